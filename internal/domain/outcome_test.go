package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	fail := Failure(ChannelWhatsApp, FailureTimeout, nil)

	assert.Equal(t, Consumed, Outcome{}.Decide(), "no channel enabled")
	assert.Equal(t, Consumed, Outcome{Results: []ChannelResult{{Channel: ChannelSMS}}}.Decide())
	assert.Equal(t, QuarantinedWithError, Outcome{Results: []ChannelResult{{Channel: ChannelWhatsApp, Err: fail}}}.Decide())
	assert.Equal(t, QuarantinedWithError, Outcome{Results: []ChannelResult{
		{Channel: ChannelSMS},
		{Channel: ChannelWhatsApp, Err: fail},
	}}.Decide(), "partial success is still a quarantine")
	assert.Equal(t, QuarantinedWithError, Outcome{Err: errors.New("parse")}.Decide())
}

func TestSummaryAndFailed(t *testing.T) {
	o := Outcome{Results: []ChannelResult{
		{Channel: ChannelSMS},
		{Channel: ChannelWhatsApp, Err: Failure(ChannelWhatsApp, FailureSessionUnavailable, nil)},
		{Channel: ChannelBluetooth, Err: errors.New("boom")},
	}}
	assert.Equal(t, "sms=ok whatsapp=session_unavailable bluetooth=transport_error", o.Summary())
	assert.Len(t, o.Failed(), 2)
	assert.Equal(t, "none", Outcome{}.Summary())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", Failure(ChannelSMS, FailureRejected, errors.New("+CMS ERROR: 500")))
	assert.Equal(t, FailureRejected, KindOf(wrapped))
	assert.Equal(t, FailureTimeout, KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.Equal(t, FailureTransport, KindOf(errors.New("eof")))
	assert.Equal(t, FailureKind(""), KindOf(nil))
}

func TestChannelErrorMessage(t *testing.T) {
	assert.Equal(t, "sms: timeout", Failure(ChannelSMS, FailureTimeout, nil).Error())
	err := Failure(ChannelSMS, FailureTransport, errors.New("open /dev/ttyUSB0"))
	assert.Equal(t, "sms: transport_error: open /dev/ttyUSB0", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "ttyUSB0")
}

func TestWithSource(t *testing.T) {
	env := Envelope{Recipient: "966501234567", Body: "hi"}
	bound := env.WithSource("/in/a.pdf")
	assert.Equal(t, "/in/a.pdf", bound.SourceFile)
	assert.Equal(t, "/in/a.pdf", bound.AttachmentPath)
	assert.Empty(t, env.SourceFile)
}
