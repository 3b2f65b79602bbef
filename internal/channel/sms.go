package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"inboxrelay/internal/domain"

	"go.bug.st/serial"
)

const (
	okReply         = "\r\nOK\r\n"
	promptReply     = "> "
	ctrlZ           = "\x1a"
	modemReadSlice  = 200 * time.Millisecond
	modemMaxReplyKB = 4

	// AT+CSMP text-mode parameters: SMS-SUBMIT, 24h validity, PID 0, then DCS.
	gsmCoding  = "17,167,0,0"
	ucs2Coding = "17,167,0,8"
)

// ErrModemRejected reports an ERROR / +CMS ERROR reply.
var ErrModemRejected = errors.New("modem rejected command")

// PortOpener opens the physical modem transport.
type PortOpener func(name string, baudRate int) (io.ReadWriteCloser, error)

// OpenSerialPort opens a serial device with a short read timeout so reads
// return regularly and the caller can observe cancellation.
func OpenSerialPort(name string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(modemReadSlice); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// ListSerialPorts returns the serial devices present on this machine.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// devices serializes access per physical port across every SMS driver in
// the process: one modem can only run one AT dialogue at a time.
var devices sync.Map // port name -> chan struct{}

func lockDevice(ctx context.Context, name string) (func(), error) {
	v, _ := devices.LoadOrStore(name, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SMS sends text messages through a GSM modem using AT commands. It is
// stateless: every send opens the port, runs the dialogue and closes it.
type SMS struct {
	port     string
	baudRate int
	open     PortOpener
	logger   *slog.Logger
}

type SMSConfig struct {
	Port     string
	BaudRate int
	Opener   PortOpener // defaults to OpenSerialPort
	Logger   *slog.Logger
}

func NewSMS(cfg SMSConfig) *SMS {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Opener == nil {
		cfg.Opener = OpenSerialPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SMS{port: cfg.Port, baudRate: cfg.BaudRate, open: cfg.Opener, logger: cfg.Logger}
}

func (s *SMS) Name() string   { return domain.ChannelSMS }
func (s *SMS) Stateful() bool { return false }
func (s *SMS) Close() error   { return nil }

// Send delivers env.Body to env.Recipient. The attachment is ignored.
func (s *SMS) Send(ctx context.Context, env domain.Envelope, _ string) error {
	return s.withModem(ctx, func(m *modem) error {
		if _, err := m.command(ctx, "AT+CMGF=1\r", okReply); err != nil {
			return err
		}

		number := env.Recipient
		body := strings.ReplaceAll(env.Body, ctrlZ, "")
		// The modem keeps charset and data coding across connections, so
		// both are set on every send.
		charset, coding := `"GSM"`, gsmCoding
		if !isASCII(body) {
			// Non-Latin text goes out as UCS2; the number must then be hex too.
			charset, coding = `"UCS2"`, ucs2Coding
			number = ucs2Hex(number)
			body = ucs2Hex(body)
		}
		if _, err := m.command(ctx, "AT+CSCS="+charset+"\r", okReply); err != nil {
			return err
		}
		if _, err := m.command(ctx, "AT+CSMP="+coding+"\r", okReply); err != nil {
			return err
		}

		if _, err := m.command(ctx, fmt.Sprintf("AT+CMGS=\"%s\"\r", number), promptReply); err != nil {
			return err
		}
		reply, err := m.command(ctx, body+ctrlZ, okReply)
		if err != nil {
			return err
		}
		s.logger.Debug("sms accepted by modem", "port", s.port, "reply", strings.TrimSpace(reply))
		return nil
	})
}

// HealthCheck opens the port and expects OK to a bare AT.
func (s *SMS) HealthCheck(ctx context.Context) error {
	return s.withModem(ctx, func(m *modem) error {
		_, err := m.command(ctx, "AT\r", okReply)
		return err
	})
}

// Reinitialize resets the modem to its stored profile.
func (s *SMS) Reinitialize(ctx context.Context) error {
	return s.withModem(ctx, func(m *modem) error {
		_, err := m.command(ctx, "ATZ\r", okReply)
		return err
	})
}

func (s *SMS) withModem(ctx context.Context, fn func(*modem) error) error {
	unlock, err := lockDevice(ctx, s.port)
	if err != nil {
		return domain.Failure(s.Name(), domain.FailureTimeout, fmt.Errorf("wait for %s: %w", s.port, err))
	}
	defer unlock()

	rw, err := s.open(s.port, s.baudRate)
	if err != nil {
		return domain.Failure(s.Name(), domain.FailureTransport, fmt.Errorf("open %s: %w", s.port, err))
	}
	defer rw.Close()

	err = fn(&modem{rw: rw})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrModemRejected):
		return domain.Failure(s.Name(), domain.FailureRejected, err)
	case ctx.Err() != nil:
		return domain.Failure(s.Name(), domain.FailureTimeout, err)
	default:
		return domain.Failure(s.Name(), domain.FailureTransport, err)
	}
}

// modem runs one AT dialogue over an open transport.
type modem struct {
	rw io.ReadWriter
}

// command writes cmd and reads until want appears or the modem reports an error.
func (m *modem) command(ctx context.Context, cmd, want string) (string, error) {
	if _, err := io.WriteString(m.rw, cmd); err != nil {
		return "", fmt.Errorf("write %q: %w", strings.TrimSpace(cmd), err)
	}

	var reply strings.Builder
	chunk := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return reply.String(), fmt.Errorf("waiting for %q: %w", want, err)
		}
		n, err := m.rw.Read(chunk)
		if n > 0 {
			reply.Write(chunk[:n])
			got := reply.String()
			if isErrorReply(got) {
				return got, fmt.Errorf("%w: %s", ErrModemRejected, strings.TrimSpace(got))
			}
			if strings.Contains(got, want) {
				return got, nil
			}
			if reply.Len() > modemMaxReplyKB*1024 {
				return got, fmt.Errorf("unexpected modem reply: %.80q", got)
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return reply.String(), fmt.Errorf("read: %w", err)
		}
		if err != nil {
			return reply.String(), fmt.Errorf("modem closed before %q", want)
		}
	}
}

// isErrorReply matches final result codes only. They always start on a new
// line, so an echoed body containing "ERROR" does not count.
func isErrorReply(s string) bool {
	return strings.Contains(s, "\r\nERROR\r\n") ||
		strings.Contains(s, "\r\n+CMS ERROR") ||
		strings.Contains(s, "\r\n+CME ERROR")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// ucs2Hex encodes s as big-endian UTF-16 hex, as expected by AT+CSCS="UCS2".
func ucs2Hex(s string) string {
	var sb strings.Builder
	for _, u := range utf16.Encode([]rune(s)) {
		fmt.Fprintf(&sb, "%04X", u)
	}
	return sb.String()
}
