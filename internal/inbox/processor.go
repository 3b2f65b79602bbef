// Package inbox turns one inbox file into a delivered or quarantined document.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/config"
	"inboxrelay/internal/document"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/logging"
	"inboxrelay/internal/metrics"

	"github.com/google/uuid"
)

// Dispatcher sends an envelope on the enabled channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, env domain.Envelope, enabled []string) []domain.ChannelResult
}

// Recorder persists outcomes.
type Recorder interface {
	Record(ctx context.Context, o domain.Outcome) error
}

// Settings supplies the current configuration.
type Settings interface {
	Snapshot() *config.Config
}

// Processor runs the per-file pipeline: parse, dispatch, apply disposition.
// It is safe for concurrent use on different files.
type Processor struct {
	settings   Settings
	dispatcher Dispatcher
	recorder   Recorder
	events     *bus.EventBus
	logger     *slog.Logger
	now        func() time.Time
}

type ProcessorConfig struct {
	Settings   Settings
	Dispatcher Dispatcher
	Recorder   Recorder      // optional
	Events     *bus.EventBus // optional
	Logger     *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		settings:   cfg.Settings,
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		events:     cfg.Events,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Process handles one file end to end and never panics. Every outcome ends
// in exactly one disposition: the file is removed or renamed with the error
// suffix.
func (p *Processor) Process(ctx context.Context, path string) (out domain.Outcome) {
	cfg := p.settings.Snapshot()
	out = domain.Outcome{ID: uuid.NewString(), File: path, StartedAt: p.now()}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processing panic", "id", out.ID, "file", path, "panic", r, "stack", string(debug.Stack()))
			out.Err = fmt.Errorf("internal error: %v", r)
			out.Disposition = domain.QuarantinedWithError
			p.finish(ctx, cfg, &out)
		}
	}()

	out.Results, out.Recipient, out.Err = p.deliver(ctx, cfg, path)
	out.Disposition = out.Decide()
	p.finish(ctx, cfg, &out)
	return out
}

// deliver parses the file and dispatches it. A parse error means no channel
// is attempted.
func (p *Processor) deliver(ctx context.Context, cfg *config.Config, path string) ([]domain.ChannelResult, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read document: %w", err)
	}
	parser := document.Parser{CountryCode: cfg.Inbox.CountryCode, RecipientDigits: document.DefaultRecipientDigits}
	env, err := parser.Parse(data)
	if err != nil {
		return nil, "", err
	}
	results := p.dispatcher.Dispatch(ctx, env.WithSource(path), cfg.EnabledChannels())
	return results, env.Recipient, nil
}

func (p *Processor) finish(ctx context.Context, cfg *config.Config, out *domain.Outcome) {
	final, err := p.apply(cfg, out.File, out.Disposition)
	out.Duration = p.now().Sub(out.StartedAt)
	metrics.ProcessLatency.Observe(out.Duration.Seconds())

	recipient := out.Recipient
	if cfg.General.RedactRecipients {
		recipient = logging.MaskRecipient(recipient)
	}
	attrs := []any{
		"id", out.ID,
		"file", out.File,
		"recipient", recipient,
		"channels", out.Summary(),
		"disposition", out.Disposition,
		"took", out.Duration.Round(time.Millisecond),
	}
	if final != "" && final != out.File {
		attrs = append(attrs, "renamed", final)
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
	}
	if err != nil {
		attrs = append(attrs, "disposition_error", err)
	}

	eventType := bus.EventFileConsumed
	if out.Disposition == domain.Consumed {
		metrics.FilesConsumed.Inc()
		p.logger.Info("file processed", attrs...)
	} else {
		eventType = bus.EventFileQuarantined
		metrics.FilesQuarantined.Inc()
		p.logger.Warn("file processed", attrs...)
	}

	if p.recorder != nil {
		// The ledger write must happen even if the task context was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := p.recorder.Record(rctx, *out); rerr != nil {
			p.logger.Warn("ledger write failed", "id", out.ID, "error", rerr)
		}
		cancel()
	}

	if p.events != nil {
		payload := map[string]any{
			"id":          out.ID,
			"file":        out.File,
			"recipient":   recipient,
			"channels":    out.Summary(),
			"disposition": string(out.Disposition),
		}
		if out.Err != nil {
			payload["error"] = out.Err.Error()
		}
		if final != "" {
			payload["path"] = final
		}
		p.events.Emit(bus.Event{Type: eventType, Source: "inbox", Payload: payload})
	}
}

// apply removes a consumed file or renames a quarantined one, returning the
// file's final path ("" when removed).
func (p *Processor) apply(cfg *config.Config, path string, d domain.Disposition) (string, error) {
	if d == domain.Consumed {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return path, fmt.Errorf("remove: %w", err)
		}
		return "", nil
	}

	target := QuarantineName(path, cfg.Inbox.ErrorSuffix, p.now())
	if err := os.Rename(path, target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file vanished before quarantine: %w", err)
		}
		return path, fmt.Errorf("quarantine: %w", err)
	}
	return target, nil
}

// QuarantineName returns path+suffix, or a timestamped variant when that
// name is already taken by an earlier failure of a same-named file.
func QuarantineName(path, suffix string, now time.Time) string {
	if suffix == "" {
		suffix = ".error"
	}
	target := path + suffix
	if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
		return target
	}
	stamp := strings.ReplaceAll(now.Format("20060102T150405.000"), ".", "")
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s.%s%s", path, stamp, suffix)
		if i > 0 {
			candidate = fmt.Sprintf("%s.%s-%d%s", path, stamp, i, suffix)
		}
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}
