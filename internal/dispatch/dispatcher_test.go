package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	name  string
	err   error
	block bool
	calls *[]string
	got   domain.Envelope
}

func (s *stubSender) Name() string { return s.name }

func (s *stubSender) Send(ctx context.Context, env domain.Envelope, path string) error {
	*s.calls = append(*s.calls, s.name)
	s.got = env
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func newDispatcher(calls *[]string, senders ...*stubSender) *Dispatcher {
	list := make([]domain.Sender, len(senders))
	for i, s := range senders {
		s.calls = calls
		list[i] = s
	}
	return New(Config{Senders: list, Logger: logging.Discard()})
}

func outcome(results []domain.ChannelResult) domain.Outcome {
	return domain.Outcome{Results: results}
}

func TestNoEnabledChannelsIsConsumed(t *testing.T) {
	var calls []string
	d := newDispatcher(&calls, &stubSender{name: domain.ChannelSMS})

	results := d.Dispatch(context.Background(), domain.Envelope{}, nil)
	assert.Empty(t, results)
	assert.Empty(t, calls)
	assert.Equal(t, domain.Consumed, outcome(results).Decide())
}

func TestSingleChannel(t *testing.T) {
	var calls []string
	ok := newDispatcher(&calls, &stubSender{name: domain.ChannelSMS})
	results := ok.Dispatch(context.Background(), domain.Envelope{}, []string{domain.ChannelSMS})
	require.Len(t, results, 1)
	assert.Equal(t, domain.Consumed, outcome(results).Decide())

	failing := newDispatcher(&calls, &stubSender{name: domain.ChannelSMS, err: errors.New("port busy")})
	results = failing.Dispatch(context.Background(), domain.Envelope{}, []string{domain.ChannelSMS})
	require.Len(t, results, 1)
	assert.Equal(t, domain.FailureTransport, domain.KindOf(results[0].Err))
	assert.Equal(t, domain.QuarantinedWithError, outcome(results).Decide())
}

func TestMixedResultsQuarantineAndStillAttemptEveryChannel(t *testing.T) {
	var calls []string
	d := newDispatcher(&calls,
		&stubSender{name: domain.ChannelBluetooth},
		&stubSender{name: domain.ChannelWhatsApp},
		&stubSender{name: domain.ChannelSMS, err: domain.Failure(domain.ChannelSMS, domain.FailureRejected, errors.New("+CMS ERROR"))},
	)

	results := d.Dispatch(context.Background(), domain.Envelope{},
		[]string{domain.ChannelBluetooth, domain.ChannelSMS, domain.ChannelWhatsApp})

	assert.Equal(t, []string{domain.ChannelSMS, domain.ChannelWhatsApp, domain.ChannelBluetooth}, calls)
	o := outcome(results)
	assert.Equal(t, domain.QuarantinedWithError, o.Decide())
	assert.Equal(t, "sms=rejected whatsapp=ok bluetooth=ok", o.Summary())
}

func TestEnabledChannelWithoutDriverFails(t *testing.T) {
	var calls []string
	d := newDispatcher(&calls, &stubSender{name: domain.ChannelSMS})

	results := d.Dispatch(context.Background(), domain.Envelope{}, []string{domain.ChannelSMS, "fax"})
	require.Len(t, results, 2)
	assert.Equal(t, "fax", results[1].Channel)
	assert.ErrorIs(t, results[1].Err, ErrNoDriver)
	assert.Equal(t, domain.QuarantinedWithError, outcome(results).Decide())
}

func TestSendIsBoundedByChannelTimeout(t *testing.T) {
	var calls []string
	slow := &stubSender{name: domain.ChannelWhatsApp, block: true, calls: &calls}
	sms := &stubSender{name: domain.ChannelSMS, calls: &calls}
	d := New(Config{
		Senders:  []domain.Sender{slow, sms},
		Timeouts: map[string]time.Duration{domain.ChannelWhatsApp: 20 * time.Millisecond},
		Logger:   logging.Discard(),
	})

	start := time.Now()
	results := d.Dispatch(context.Background(), domain.Envelope{}, []string{domain.ChannelSMS, domain.ChannelWhatsApp})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.FailureTimeout, domain.KindOf(results[1].Err))
}

type panickySender struct{}

func (panickySender) Name() string { return "panicky" }
func (panickySender) Send(context.Context, domain.Envelope, string) error {
	panic("nil page")
}

func TestDriverPanicBecomesFailure(t *testing.T) {
	events := bus.NewEventBus(logging.Discard())
	var failed []bus.Event
	events.On(bus.EventChannelFailed, func(e bus.Event) { failed = append(failed, e) })

	d := New(Config{Senders: []domain.Sender{panickySender{}}, Order: []string{"panicky"}, Events: events, Logger: logging.Discard()})
	results := d.Dispatch(context.Background(), domain.Envelope{SourceFile: "a.pdf"}, []string{"panicky"})

	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a.pdf", failed[0].Payload["file"])
}

func TestEnvelopeIsPassedUnchanged(t *testing.T) {
	var calls []string
	s := &stubSender{name: domain.ChannelSMS}
	d := newDispatcher(&calls, s)
	env := domain.Envelope{Recipient: "966501234567", Body: "hi"}.WithSource("/in/a.pdf")

	d.Dispatch(context.Background(), env, []string{domain.ChannelSMS})
	assert.Equal(t, env, s.got)
}

func TestChannelsListsRegisteredInOrder(t *testing.T) {
	var calls []string
	d := newDispatcher(&calls, &stubSender{name: domain.ChannelBluetooth}, &stubSender{name: domain.ChannelSMS})
	assert.Equal(t, []string{domain.ChannelSMS, domain.ChannelBluetooth}, d.Channels())
}
