// Package dispatch fans one envelope out to every enabled channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"
)

// ErrNoDriver is reported for an enabled channel that has no registered sender.
var ErrNoDriver = errors.New("no driver registered for channel")

const defaultChannelTimeout = 60 * time.Second

// Dispatcher invokes senders in the configured order. Stateful drivers are
// registered through their session supervisor, so the dispatcher never sees
// session state.
type Dispatcher struct {
	senders  map[string]domain.Sender
	order    []string
	timeouts map[string]time.Duration
	events   *bus.EventBus
	logger   *slog.Logger
}

type Config struct {
	Senders  []domain.Sender
	Order    []string                 // defaults to domain.ChannelOrder
	Timeouts map[string]time.Duration // per-channel send bound
	Events   *bus.EventBus
	Logger   *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Order == nil {
		cfg.Order = domain.ChannelOrder
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		senders:  make(map[string]domain.Sender, len(cfg.Senders)),
		order:    cfg.Order,
		timeouts: cfg.Timeouts,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
	for _, s := range cfg.Senders {
		d.senders[s.Name()] = s
	}
	return d
}

// Channels lists registered channel names in dispatch order.
func (d *Dispatcher) Channels() []string {
	var out []string
	for _, id := range d.order {
		if _, ok := d.senders[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Dispatch sends env on every channel in enabled, one after another in the
// configured order, and returns one result per enabled channel. A failing
// channel never prevents the next one from being attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, env domain.Envelope, enabled []string) []domain.ChannelResult {
	want := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		want[id] = true
	}

	var results []domain.ChannelResult
	for _, id := range d.ordered(want) {
		results = append(results, domain.ChannelResult{Channel: id, Err: d.send(ctx, id, env)})
	}
	return results
}

// ordered returns the enabled ids in dispatch order, followed by any enabled
// id the order does not know about.
func (d *Dispatcher) ordered(want map[string]bool) []string {
	var ids []string
	seen := make(map[string]bool, len(want))
	for _, id := range d.order {
		if want[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var extra []string
	for id := range want {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}

func (d *Dispatcher) send(ctx context.Context, id string, env domain.Envelope) (err error) {
	sender, ok := d.senders[id]
	if !ok {
		err = domain.Failure(id, domain.FailureTransport, ErrNoDriver)
		d.record(id, env, err, 0)
		return err
	}

	timeout := d.timeouts[id]
	if timeout <= 0 {
		timeout = defaultChannelTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = domain.Failure(id, domain.FailureTransport, fmt.Errorf("driver panic: %v", r))
		}
		d.record(id, env, err, time.Since(start))
	}()

	err = sender.Send(sctx, env, env.AttachmentPath)
	if err != nil {
		var ce *domain.ChannelError
		if !errors.As(err, &ce) {
			err = domain.Failure(id, domain.KindOf(err), err)
		}
	}
	return err
}

func (d *Dispatcher) record(id string, env domain.Envelope, err error, took time.Duration) {
	metrics.ChannelLatency(id).Observe(took.Seconds())
	if err == nil {
		metrics.ChannelSends(id, "ok").Inc()
		d.logger.Debug("channel delivered", "channel", id, "file", env.SourceFile, "took", took.Round(time.Millisecond))
		return
	}

	kind := domain.KindOf(err)
	metrics.ChannelSends(id, string(kind)).Inc()
	d.logger.Warn("channel failed", "channel", id, "file", env.SourceFile, "kind", kind, "error", err)
	if d.events != nil {
		d.events.Emit(bus.Event{
			Type:   bus.EventChannelFailed,
			Source: "dispatch",
			Payload: map[string]any{
				"channel": id,
				"file":    env.SourceFile,
				"kind":    string(kind),
				"error":   err.Error(),
			},
		})
	}
}
