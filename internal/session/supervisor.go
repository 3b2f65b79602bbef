// Package session serializes access to stateful channel drivers and keeps
// their sessions alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"
)

// State is the supervisor's view of its session.
type State int

const (
	Uninitialized State = iota
	Ready
	Degraded
	Reinitializing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Reinitializing:
		return "reinitializing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	defaultHealthTimeout = 10 * time.Second
	defaultReinitTimeout = 90 * time.Second
)

// Supervisor owns one stateful driver. Every driver call goes through the
// supervisor's lock, so the driver sees at most one operation at a time.
type Supervisor struct {
	driver        domain.ChannelDriver
	healthTimeout time.Duration
	reinitTimeout time.Duration
	events        *bus.EventBus
	logger        *slog.Logger

	lock  chan struct{}
	state State // guarded by lock
	// observed mirrors state for readers that must not wait on the lock.
	observed atomic.Int32
}

type Config struct {
	Driver        domain.ChannelDriver
	HealthTimeout time.Duration
	ReinitTimeout time.Duration
	Events        *bus.EventBus // optional
	Logger        *slog.Logger
}

func New(cfg Config) *Supervisor {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.ReinitTimeout <= 0 {
		cfg.ReinitTimeout = defaultReinitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		driver:        cfg.Driver,
		healthTimeout: cfg.HealthTimeout,
		reinitTimeout: cfg.ReinitTimeout,
		events:        cfg.Events,
		logger:        cfg.Logger.With("channel", cfg.Driver.Name()),
		lock:          make(chan struct{}, 1),
	}
	return s
}

func (s *Supervisor) Name() string { return s.driver.Name() }

// State returns the last recorded state. Informational only.
func (s *Supervisor) State() State {
	return State(s.observed.Load())
}

// Start eagerly initializes the session. A failure leaves the supervisor
// Degraded; the next Send tries again.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.reinitialize(ctx)
}

// Send checks the session, re-initializes it once if needed, then delivers.
// ctx bounds the whole operation including the wait for the lock.
func (s *Supervisor) Send(ctx context.Context, env domain.Envelope, attachmentPath string) error {
	if err := s.acquire(ctx); err != nil {
		return domain.Failure(s.Name(), domain.FailureTimeout, fmt.Errorf("wait for session: %w", err))
	}
	defer s.release()

	if s.state != Ready || !s.healthy(ctx) {
		if err := s.reinitialize(ctx); err != nil {
			if ctx.Err() != nil {
				return domain.Failure(s.Name(), domain.FailureTimeout, err)
			}
			return domain.Failure(s.Name(), domain.FailureSessionUnavailable, err)
		}
	}

	err := s.driver.Send(ctx, env, attachmentPath)
	if err == nil {
		return nil
	}

	var ce *domain.ChannelError
	if !errors.As(err, &ce) {
		err = domain.Failure(s.Name(), domain.KindOf(err), err)
	}
	// Rebuild now so the next file starts from a clean session. The caller's
	// deadline may already be spent, so only the reinit timeout applies.
	s.setState(Degraded, err)
	if rerr := s.reinitialize(context.WithoutCancel(ctx)); rerr != nil {
		s.logger.Warn("eager re-initialization failed", "error", rerr)
	}
	return err
}

// Close releases the driver. It waits for any in-flight operation.
func (s *Supervisor) Close() error {
	s.lock <- struct{}{}
	defer s.release()
	s.setState(Uninitialized, nil)
	return s.driver.Close()
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.lock }

func (s *Supervisor) healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	if err := s.driver.HealthCheck(hctx); err != nil {
		s.setState(Degraded, err)
		return false
	}
	return true
}

// reinitialize must be called with the lock held. It is bounded by its own
// timeout and by ctx.
func (s *Supervisor) reinitialize(ctx context.Context) error {
	s.setState(Reinitializing, nil)
	rctx, cancel := context.WithTimeout(ctx, s.reinitTimeout)
	defer cancel()

	start := time.Now()
	if err := s.driver.Reinitialize(rctx); err != nil {
		metrics.SessionReinits(s.Name(), "error").Inc()
		s.setState(Degraded, err)
		return fmt.Errorf("reinitialize %s: %w", s.Name(), err)
	}
	metrics.SessionReinits(s.Name(), "ok").Inc()
	s.logger.Info("session initialized", "took", time.Since(start).Round(time.Millisecond))
	s.setState(Ready, nil)
	return nil
}

func (s *Supervisor) setState(next State, cause error) {
	prev := s.state
	s.state = next
	s.observed.Store(int32(next))
	metrics.SessionState(s.Name()).Set(int64(next))

	if prev == next || s.events == nil {
		return
	}
	switch next {
	case Degraded:
		payload := map[string]any{"channel": s.Name(), "from": prev.String()}
		if cause != nil {
			payload["error"] = cause.Error()
		}
		s.logger.Warn("session degraded", "error", cause)
		s.events.Emit(bus.Event{Type: bus.EventSessionDegraded, Source: "session", Payload: payload})
	case Ready:
		s.events.Emit(bus.Event{Type: bus.EventSessionReady, Source: "session", Payload: map[string]any{"channel": s.Name()}})
	}
}
