package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"inboxrelay/internal/domain"
)

// ErrNotConnected is returned when no RFCOMM link to the paired peer is open.
var ErrNotConnected = errors.New("bluetooth peer not connected")

// Link is an open stream to the paired peer.
type Link interface {
	io.WriteCloser
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a link to a paired peer.
type Dialer func(ctx context.Context, address string, channel uint8) (Link, error)

// Bluetooth pushes the raw attachment bytes to a previously paired device
// over RFCOMM. The link is kept open between sends and re-dialled by the
// session supervisor when it breaks.
type Bluetooth struct {
	address string
	channel uint8
	dial    Dialer
	logger  *slog.Logger

	link   Link
	broken bool
}

type BluetoothConfig struct {
	Address string
	Channel uint8
	Dialer  Dialer // defaults to DialRFCOMM
	Logger  *slog.Logger
}

func NewBluetooth(cfg BluetoothConfig) *Bluetooth {
	if cfg.Channel == 0 {
		cfg.Channel = 1
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialRFCOMM
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bluetooth{address: cfg.Address, channel: cfg.Channel, dial: cfg.Dialer, logger: cfg.Logger}
}

func (b *Bluetooth) Name() string   { return domain.ChannelBluetooth }
func (b *Bluetooth) Stateful() bool { return true }

func (b *Bluetooth) HealthCheck(ctx context.Context) error {
	if b.link == nil || b.broken {
		return ErrNotConnected
	}
	return nil
}

func (b *Bluetooth) Reinitialize(ctx context.Context) error {
	b.closeLink()
	link, err := b.dial(ctx, b.address, b.channel)
	if err != nil {
		return fmt.Errorf("dial %s channel %d: %w", b.address, b.channel, err)
	}
	b.link = link
	b.broken = false
	b.logger.Info("bluetooth link ready", "peer", b.address, "channel", b.channel)
	return nil
}

// Send writes the attachment to the peer. The envelope text is not sent:
// the document itself is the payload.
func (b *Bluetooth) Send(ctx context.Context, env domain.Envelope, attachmentPath string) error {
	if b.link == nil || b.broken {
		return domain.Failure(b.Name(), domain.FailureSessionUnavailable, ErrNotConnected)
	}
	if attachmentPath == "" {
		return domain.Failure(b.Name(), domain.FailureRejected, errors.New("no attachment to transfer"))
	}
	data, err := os.ReadFile(attachmentPath)
	if err != nil {
		return domain.Failure(b.Name(), domain.FailureRejected, fmt.Errorf("read attachment: %w", err))
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := b.link.SetWriteDeadline(deadline); err != nil {
		b.broken = true
		return domain.Failure(b.Name(), domain.FailureTransport, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = b.link.SetWriteDeadline(time.Now()) })
	defer stop()

	if _, err := b.link.Write(data); err != nil {
		b.broken = true
		if errors.Is(err, os.ErrDeadlineExceeded) || ctx.Err() != nil {
			return domain.Failure(b.Name(), domain.FailureTimeout, err)
		}
		return domain.Failure(b.Name(), domain.FailureTransport, err)
	}
	b.logger.Debug("bluetooth transfer complete", "peer", b.address, "bytes", len(data), "recipient", env.Recipient)
	return nil
}

func (b *Bluetooth) Close() error {
	b.closeLink()
	return nil
}

func (b *Bluetooth) closeLink() {
	if b.link != nil {
		_ = b.link.Close()
		b.link = nil
	}
}

// ParseBDAddr parses "AA:BB:CC:DD:EE:FF" into the little-endian byte order
// used by the kernel's sockaddr_rc.
func ParseBDAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return addr, fmt.Errorf("invalid bluetooth address %q", s)
		}
		addr[5-i] = b[0]
	}
	return addr, nil
}
