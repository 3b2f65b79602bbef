package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBot struct {
	mu    sync.Mutex
	fails int
	err   error
	texts []string
	chats []int64
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fails > 0 {
		b.fails--
		if b.err != nil {
			return tgbotapi.Message{}, b.err
		}
		return tgbotapi.Message{}, errors.New("connection reset")
	}
	msg := c.(tgbotapi.MessageConfig)
	b.texts = append(b.texts, msg.Text)
	b.chats = append(b.chats, msg.ChatID)
	return tgbotapi.Message{}, nil
}

func (b *recordingBot) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func TestQuarantineEventIsForwarded(t *testing.T) {
	bot := &recordingBot{}
	n := NewTelegram(TelegramConfig{ChatID: 42, Bot: bot, Logger: logging.Discard()})
	require.NoError(t, n.Connect())

	events := bus.NewEventBus(logging.Discard())
	n.Subscribe(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	events.Emit(bus.Event{Type: bus.EventFileConsumed, Payload: map[string]any{"file": "ok.pdf"}})
	events.Emit(bus.Event{Type: bus.EventFileQuarantined, Payload: map[string]any{"file": "bad.pdf", "channels": "sms=timeout"}})

	assert.Eventually(t, func() bool { return len(bot.sent()) == 1 }, time.Second, 5*time.Millisecond)
	text := bot.sent()[0]
	assert.Contains(t, text, "Document quarantined")
	assert.Contains(t, text, "file: bad.pdf")
	assert.Contains(t, text, "channels: sms=timeout")
	assert.Equal(t, []int64{42}, bot.chats)
}

func TestUnsubscribeStopsQueueingAlerts(t *testing.T) {
	n := NewTelegram(TelegramConfig{ChatID: 1, Bot: &recordingBot{}, Logger: logging.Discard()})
	events := bus.NewEventBus(logging.Discard())

	unsubscribe := n.Subscribe(events)
	events.Emit(bus.Event{Type: bus.EventQueueFull})
	assert.Len(t, n.alerts, 1)

	unsubscribe()
	events.Emit(bus.Event{Type: bus.EventQueueFull})
	events.Emit(bus.Event{Type: bus.EventSessionDegraded})
	assert.Len(t, n.alerts, 1)
}

func TestSendRetriesTransientErrors(t *testing.T) {
	bot := &recordingBot{fails: 1}
	n := NewTelegram(TelegramConfig{ChatID: 1, Bot: bot, Logger: logging.Discard()})

	n.send(context.Background(), "hello")
	assert.Equal(t, []string{"hello"}, bot.sent())
}

func TestSendWaitsRetryAfterOnRateLimit(t *testing.T) {
	bot := &recordingBot{fails: 1, err: &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after 7",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7},
	}}
	n := NewTelegram(TelegramConfig{ChatID: 1, Bot: bot, Logger: logging.Discard()})
	var waits []time.Duration
	n.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		return time.After(0)
	}

	n.send(context.Background(), "hello")
	assert.Equal(t, []string{"hello"}, bot.sent())
	assert.Equal(t, []time.Duration{7 * time.Second}, waits)
}

func TestSendBacksOffLinearlyWithoutRetryAfter(t *testing.T) {
	bot := &recordingBot{fails: 2}
	n := NewTelegram(TelegramConfig{ChatID: 1, Bot: bot, Logger: logging.Discard()})
	var waits []time.Duration
	n.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		return time.After(0)
	}

	n.send(context.Background(), "hello")
	assert.Equal(t, []string{"hello"}, bot.sent())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestSendTruncatesOnRuneBoundary(t *testing.T) {
	bot := &recordingBot{}
	n := NewTelegram(TelegramConfig{ChatID: 1, Bot: bot, Logger: logging.Discard()})

	// "م" is two bytes; an odd prefix puts the byte limit mid-rune.
	n.send(context.Background(), "x"+strings.Repeat("م", telegramMaxMsgLen))
	require.Len(t, bot.sent(), 1)
	text := bot.sent()[0]
	assert.True(t, utf8.ValidString(text))
	assert.LessOrEqual(t, len(text), telegramMaxMsgLen)
	assert.Equal(t, telegramMaxMsgLen-1, len(text))
}

func TestSendStopsOnCancel(t *testing.T) {
	bot := &recordingBot{fails: 10}
	n := NewTelegram(TelegramConfig{ChatID: 1, Bot: bot, Logger: logging.Discard()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	n.send(ctx, "hello")
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, bot.sent())
}

func TestFormatEventIsStable(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	text := FormatEvent(bus.Event{
		Type:      bus.EventSessionDegraded,
		Timestamp: ts,
		Payload:   map[string]any{"error": "logged out", "channel": "whatsapp"},
	})
	assert.Equal(t, "Channel session degraded at 2026-01-02 03:04:05\nchannel: whatsapp\nerror: logged out", text)
}
