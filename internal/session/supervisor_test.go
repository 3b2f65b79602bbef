package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records calls and fails the test on any overlapping call.
type fakeDriver struct {
	t        *testing.T
	active   atomic.Int32
	mu       sync.Mutex
	calls    []string
	healthy  bool
	reinitOK bool
	sendErr  error
	sendWait time.Duration
}

func (d *fakeDriver) enter(name string) func() {
	if d.active.Add(1) != 1 {
		d.t.Errorf("re-entrant driver call: %s", name)
	}
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
	return func() { d.active.Add(-1) }
}

func (d *fakeDriver) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) Name() string   { return "chat" }
func (d *fakeDriver) Stateful() bool { return true }
func (d *fakeDriver) Close() error   { return nil }

func (d *fakeDriver) HealthCheck(ctx context.Context) error {
	defer d.enter("health")()
	if !d.healthy {
		return errors.New("logged out")
	}
	return nil
}

func (d *fakeDriver) Reinitialize(ctx context.Context) error {
	defer d.enter("reinit")()
	if !d.reinitOK {
		return errors.New("login page")
	}
	d.healthy = true
	return nil
}

func (d *fakeDriver) Send(ctx context.Context, env domain.Envelope, path string) error {
	defer d.enter("send")()
	if d.sendWait > 0 {
		select {
		case <-time.After(d.sendWait):
		case <-ctx.Done():
			return domain.Failure("chat", domain.FailureTimeout, ctx.Err())
		}
	}
	return d.sendErr
}

func newSupervisor(d *fakeDriver, events *bus.EventBus) *Supervisor {
	return New(Config{Driver: d, Events: events, Logger: logging.Discard()})
}

func TestSendReinitializesUnhealthySessionFirst(t *testing.T) {
	d := &fakeDriver{t: t, reinitOK: true}
	s := newSupervisor(d, nil)
	assert.Equal(t, Uninitialized, s.State())

	require.NoError(t, s.Send(context.Background(), domain.Envelope{}, ""))
	assert.Equal(t, []string{"reinit", "send"}, d.history())
	assert.Equal(t, Ready, s.State())

	d.healthy = false
	require.NoError(t, s.Send(context.Background(), domain.Envelope{}, ""))
	assert.Equal(t, []string{"reinit", "send", "health", "reinit", "send"}, d.history())
}

func TestHealthySessionSkipsReinit(t *testing.T) {
	d := &fakeDriver{t: t, reinitOK: true}
	s := newSupervisor(d, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send(context.Background(), domain.Envelope{}, ""))
	assert.Equal(t, []string{"reinit", "health", "send"}, d.history())
}

func TestFailedReinitReportsSessionUnavailable(t *testing.T) {
	d := &fakeDriver{t: t}
	events := bus.NewEventBus(logging.Discard())
	var degraded int32
	events.On(bus.EventSessionDegraded, func(bus.Event) { atomic.AddInt32(&degraded, 1) })
	s := newSupervisor(d, events)

	err := s.Send(context.Background(), domain.Envelope{}, "")
	require.Error(t, err)
	assert.Equal(t, domain.FailureSessionUnavailable, domain.KindOf(err))
	assert.Equal(t, Degraded, s.State())
	assert.Equal(t, []string{"reinit"}, d.history(), "send must not run on a dead session")
	assert.EqualValues(t, 1, degraded)

	// One attempt per call, no retry loop.
	_ = s.Send(context.Background(), domain.Envelope{}, "")
	assert.Equal(t, []string{"reinit", "reinit"}, d.history())
}

func TestSendFailureTriggersEagerReinit(t *testing.T) {
	d := &fakeDriver{t: t, reinitOK: true, sendErr: errors.New("compose box not found")}
	s := newSupervisor(d, nil)
	require.NoError(t, s.Start(context.Background()))

	err := s.Send(context.Background(), domain.Envelope{}, "")
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransport, domain.KindOf(err))
	assert.Contains(t, err.Error(), "compose box not found")
	assert.Equal(t, []string{"reinit", "health", "send", "reinit"}, d.history())
	assert.Equal(t, Ready, s.State())
}

func TestSendFailureKindIsPreserved(t *testing.T) {
	d := &fakeDriver{t: t, reinitOK: true, sendErr: domain.Failure("chat", domain.FailureRejected, errors.New("unknown number"))}
	s := newSupervisor(d, nil)

	err := s.Send(context.Background(), domain.Envelope{}, "")
	assert.Equal(t, domain.FailureRejected, domain.KindOf(err))
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	d := &fakeDriver{t: t, reinitOK: true, sendWait: 5 * time.Millisecond}
	s := newSupervisor(d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Send(context.Background(), domain.Envelope{}, ""))
		}()
	}
	wg.Wait()

	sends := 0
	for _, c := range d.history() {
		if c == "send" {
			sends++
		}
	}
	assert.Equal(t, 8, sends)
}

func TestLockWaitIsBoundedByContext(t *testing.T) {
	d := &fakeDriver{t: t, reinitOK: true, sendWait: 300 * time.Millisecond}
	s := newSupervisor(d, nil)
	require.NoError(t, s.Start(context.Background()))

	started := make(chan struct{})
	go func() {
		close(started)
		_ = s.Send(context.Background(), domain.Envelope{}, "")
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, domain.Envelope{}, "")
	assert.Equal(t, domain.FailureTimeout, domain.KindOf(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "reinitializing", Reinitializing.String())
	assert.Equal(t, "state(9)", State(9).String())
}
