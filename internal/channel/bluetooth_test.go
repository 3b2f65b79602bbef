package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeDialer(t *testing.T, peer chan<- net.Conn) Dialer {
	return func(ctx context.Context, address string, channel uint8) (Link, error) {
		local, remote := net.Pipe()
		t.Cleanup(func() { remote.Close() })
		peer <- remote
		return local, nil
	}
}

func writeAttachment(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestParseBDAddr(t *testing.T) {
	addr, err := ParseBDAddr("00:11:22:AA:BB:CC")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0xCC, 0xBB, 0xAA, 0x22, 0x11, 0x00}, addr)

	for _, bad := range []string{"", "00:11:22:AA:BB", "00:11:22:AA:BB:ZZ", "000:11:22:AA:BB:CC"} {
		_, err := ParseBDAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestBluetoothSendWithoutLink(t *testing.T) {
	b := NewBluetooth(BluetoothConfig{Address: "00:11:22:33:44:55", Logger: logging.Discard()})
	assert.True(t, b.Stateful())
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrNotConnected)

	err := b.Send(context.Background(), domain.Envelope{}, writeAttachment(t, "x"))
	assert.Equal(t, domain.FailureSessionUnavailable, domain.KindOf(err))
}

func TestBluetoothTransfersAttachment(t *testing.T) {
	peers := make(chan net.Conn, 1)
	b := NewBluetooth(BluetoothConfig{Address: "00:11:22:33:44:55", Dialer: pipeDialer(t, peers), Logger: logging.Discard()})
	defer b.Close()

	require.NoError(t, b.Reinitialize(context.Background()))
	require.NoError(t, b.HealthCheck(context.Background()))
	remote := <-peers

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := io.ReadAtLeast(remote, buf, len("%PDF-payload"))
		received <- buf[:n]
	}()

	path := writeAttachment(t, "%PDF-payload")
	require.NoError(t, b.Send(context.Background(), domain.Envelope{Recipient: "1"}, path))
	assert.Equal(t, "%PDF-payload", string(<-received))
}

func TestBluetoothWriteTimeoutMarksLinkBroken(t *testing.T) {
	peers := make(chan net.Conn, 1)
	b := NewBluetooth(BluetoothConfig{Address: "00:11:22:33:44:55", Dialer: pipeDialer(t, peers), Logger: logging.Discard()})
	defer b.Close()
	require.NoError(t, b.Reinitialize(context.Background()))
	<-peers // nobody reads, so the write blocks

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Send(ctx, domain.Envelope{}, writeAttachment(t, "payload"))
	assert.Equal(t, domain.FailureTimeout, domain.KindOf(err))
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrNotConnected)

	require.NoError(t, b.Reinitialize(context.Background()))
	assert.NoError(t, b.HealthCheck(context.Background()))
}

func TestBluetoothMissingAttachmentIsRejected(t *testing.T) {
	peers := make(chan net.Conn, 1)
	b := NewBluetooth(BluetoothConfig{Address: "00:11:22:33:44:55", Dialer: pipeDialer(t, peers), Logger: logging.Discard()})
	defer b.Close()
	require.NoError(t, b.Reinitialize(context.Background()))

	err := b.Send(context.Background(), domain.Envelope{}, "")
	assert.Equal(t, domain.FailureRejected, domain.KindOf(err))
	err = b.Send(context.Background(), domain.Envelope{}, filepath.Join(t.TempDir(), "gone.pdf"))
	assert.Equal(t, domain.FailureRejected, domain.KindOf(err))
}

func TestBluetoothDialFailure(t *testing.T) {
	b := NewBluetooth(BluetoothConfig{
		Address: "00:11:22:33:44:55",
		Dialer: func(context.Context, string, uint8) (Link, error) {
			return nil, errors.New("host is down")
		},
		Logger: logging.Discard(),
	})
	assert.Error(t, b.Reinitialize(context.Background()))
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrNotConnected)
}
