package domain

import (
	"context"
	"errors"
	"fmt"
)

// Well-known channel identifiers, in dispatch order (cheapest first).
const (
	ChannelSMS       = "sms"
	ChannelWhatsApp  = "whatsapp"
	ChannelBluetooth = "bluetooth"
)

// ChannelOrder is the configuration-declared delivery order.
var ChannelOrder = []string{ChannelSMS, ChannelWhatsApp, ChannelBluetooth}

// Sender delivers one envelope through one delivery mechanism.
// A nil error means the channel accepted the message.
type Sender interface {
	Name() string
	Send(ctx context.Context, env Envelope, attachmentPath string) error
}

// ChannelDriver is a delivery mechanism together with whatever session or
// transport state it needs. Drivers must never delete or rename the
// attachment they are given.
type ChannelDriver interface {
	Sender
	// HealthCheck is a cheap liveness check; it must not perform a delivery.
	HealthCheck(ctx context.Context) error
	// Reinitialize tears down and rebuilds the underlying session or connection.
	Reinitialize(ctx context.Context) error
	// Stateful reports whether the driver holds a long-lived session that must
	// be accessed through a session supervisor.
	Stateful() bool
	Close() error
}

// ChannelConfig is a snapshot of one channel's configuration.
type ChannelConfig struct {
	ID       string
	Enabled  bool
	Settings map[string]string
}

// FailureKind classifies why a channel did not deliver.
type FailureKind string

const (
	FailureTimeout            FailureKind = "timeout"
	FailureSessionUnavailable FailureKind = "session_unavailable"
	FailureTransport          FailureKind = "transport_error"
	FailureRejected           FailureKind = "rejected"
)

// ChannelError is the only error shape a channel reports to the dispatcher.
type ChannelError struct {
	Channel string
	Kind    FailureKind
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Channel, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Failure builds a ChannelError.
func Failure(channel string, kind FailureKind, err error) *ChannelError {
	return &ChannelError{Channel: channel, Kind: kind, Err: err}
}

// KindOf classifies an arbitrary error returned by a channel.
// Context deadlines count as timeouts; anything unclassified is a transport error.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var ce *ChannelError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureTransport
}
