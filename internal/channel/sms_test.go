package channel

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModem answers each written command with whatever respond returns.
type fakeModem struct {
	mu       sync.Mutex
	respond  func(cmd string) string
	pending  []byte
	commands []string
	closed   bool
}

func (f *fakeModem) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := string(p)
	f.commands = append(f.commands, cmd)
	f.pending = append(f.pending, f.respond(cmd)...)
	return len(p), nil
}

func (f *fakeModem) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.EOF
	}
	if len(f.pending) == 0 {
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	f.mu.Unlock()
	return n, nil
}

func (f *fakeModem) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeModem) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// politeModem echoes every command and accepts it.
func politeModem(cmd string) string {
	if strings.HasPrefix(cmd, "AT+CMGS=") {
		return cmd + "\r\n> "
	}
	if strings.HasSuffix(cmd, ctrlZ) {
		return cmd + "\r\n+CMGS: 12\r\n\r\nOK\r\n"
	}
	return cmd + "\r\nOK\r\n"
}

func newTestSMS(t *testing.T, port string, m *fakeModem) *SMS {
	t.Helper()
	return NewSMS(SMSConfig{
		Port: port,
		Opener: func(name string, baud int) (io.ReadWriteCloser, error) {
			assert.Equal(t, port, name)
			assert.Equal(t, 9600, baud)
			return m, nil
		},
		Logger: logging.Discard(),
	})
}

func TestSMSSendASCII(t *testing.T) {
	m := &fakeModem{respond: politeModem}
	s := newTestSMS(t, t.Name(), m)

	err := s.Send(context.Background(), domain.Envelope{Recipient: "966501234567", Body: "Invoice ready"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"AT+CMGF=1\r",
		"AT+CSCS=\"GSM\"\r",
		"AT+CSMP=17,167,0,0\r",
		"AT+CMGS=\"966501234567\"\r",
		"Invoice ready" + ctrlZ,
	}, m.sent())
}

func TestSMSSendUnicodeUsesUCS2(t *testing.T) {
	m := &fakeModem{respond: politeModem}
	s := newTestSMS(t, t.Name(), m)

	err := s.Send(context.Background(), domain.Envelope{Recipient: "9665", Body: "مرحبا"}, "")
	require.NoError(t, err)

	sent := m.sent()
	require.Len(t, sent, 5)
	assert.Equal(t, "AT+CSCS=\"UCS2\"\r", sent[1])
	assert.Equal(t, "AT+CSMP=17,167,0,8\r", sent[2])
	assert.Equal(t, "AT+CMGS=\"0039003600360035\"\r", sent[3])
	assert.Equal(t, ucs2Hex("مرحبا")+ctrlZ, sent[4])
}

// modemSettings is the configuration a real modem keeps between connections.
type modemSettings struct {
	mu       sync.Mutex
	charset  string
	dcs      string
	messages []string // "<charset>/<dcs>" for each submitted body
}

func (ms *modemSettings) respond(cmd string) string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "AT+CSCS="):
		ms.charset = strings.Trim(strings.TrimPrefix(strings.TrimSpace(cmd), "AT+CSCS="), `"`)
	case strings.HasPrefix(cmd, "AT+CSMP="):
		params := strings.Split(strings.TrimSpace(cmd), ",")
		ms.dcs = params[len(params)-1]
	case strings.HasSuffix(cmd, ctrlZ):
		ms.messages = append(ms.messages, ms.charset+"/"+ms.dcs)
	}
	return politeModem(cmd)
}

func TestSMSResetsDataCodingAfterUnicodeMessage(t *testing.T) {
	settings := &modemSettings{charset: "GSM", dcs: "0"}
	s := NewSMS(SMSConfig{
		Port: t.Name(),
		Opener: func(string, int) (io.ReadWriteCloser, error) {
			return &fakeModem{respond: settings.respond}, nil
		},
		Logger: logging.Discard(),
	})

	env := domain.Envelope{Recipient: "966501234567"}
	env.Body = "مرحبا"
	require.NoError(t, s.Send(context.Background(), env, ""))
	env.Body = "hello"
	require.NoError(t, s.Send(context.Background(), env, ""))

	assert.Equal(t, []string{"UCS2/8", "GSM/0"}, settings.messages)
}

func TestSMSBodyCannotTerminateEarly(t *testing.T) {
	m := &fakeModem{respond: politeModem}
	s := newTestSMS(t, t.Name(), m)

	require.NoError(t, s.Send(context.Background(), domain.Envelope{Recipient: "1", Body: "a" + ctrlZ + "b"}, ""))
	sent := m.sent()
	assert.Equal(t, "ab"+ctrlZ, sent[len(sent)-1])
}

func TestSMSRejected(t *testing.T) {
	m := &fakeModem{respond: func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+CMGS=") {
			return "\r\n+CMS ERROR: 304\r\n"
		}
		return politeModem(cmd)
	}}
	s := newTestSMS(t, t.Name(), m)

	err := s.Send(context.Background(), domain.Envelope{Recipient: "1", Body: "x"}, "")
	require.Error(t, err)
	assert.Equal(t, domain.FailureRejected, domain.KindOf(err))
	assert.True(t, errors.Is(err, ErrModemRejected))
}

func TestSMSEchoedErrorWordIsNotARejection(t *testing.T) {
	m := &fakeModem{respond: politeModem}
	s := newTestSMS(t, t.Name(), m)

	err := s.Send(context.Background(), domain.Envelope{Recipient: "1", Body: "ERROR in invoice"}, "")
	assert.NoError(t, err)
}

func TestSMSTimeout(t *testing.T) {
	m := &fakeModem{respond: func(cmd string) string { return "" }}
	s := newTestSMS(t, t.Name(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, domain.Envelope{Recipient: "1", Body: "x"}, "")
	require.Error(t, err)
	assert.Equal(t, domain.FailureTimeout, domain.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSMSOpenFailure(t *testing.T) {
	s := NewSMS(SMSConfig{
		Port:   "/dev/missing",
		Opener: func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("no such device") },
		Logger: logging.Discard(),
	})
	err := s.Send(context.Background(), domain.Envelope{Recipient: "1", Body: "x"}, "")
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransport, domain.KindOf(err))
}

func TestSMSHealthCheckAndReinitialize(t *testing.T) {
	m := &fakeModem{respond: politeModem}
	s := newTestSMS(t, t.Name(), m)

	require.NoError(t, s.HealthCheck(context.Background()))
	require.NoError(t, s.Reinitialize(context.Background()))
	assert.Equal(t, []string{"AT\r", "ATZ\r"}, m.sent())
	assert.False(t, s.Stateful())
}

func TestSMSDeviceLockSerializesDialogues(t *testing.T) {
	port := t.Name()
	unlock, err := lockDevice(context.Background(), port)
	require.NoError(t, err)

	m := &fakeModem{respond: politeModem}
	s := newTestSMS(t, port, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.Send(ctx, domain.Envelope{Recipient: "1", Body: "x"}, "")
	assert.Equal(t, domain.FailureTimeout, domain.KindOf(err))
	assert.Empty(t, m.sent())

	unlock()
	assert.NoError(t, s.Send(context.Background(), domain.Envelope{Recipient: "1", Body: "x"}, ""))
}

func TestUCS2Hex(t *testing.T) {
	assert.Equal(t, "0041", ucs2Hex("A"))
	assert.Equal(t, "0645", ucs2Hex("م"))
	assert.Equal(t, "D83DDE00", ucs2Hex("😀"))
}
