// Package notify forwards operator-relevant pipeline events to a chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"inboxrelay/internal/bus"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramBacklog        = 64
)

// BotSender is the part of the bot API the notifier uses.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends a short alert to one chat for every quarantined file,
// degraded session or refused queue entry. Alerts are queued and sent from
// a single goroutine so event emitters never wait on the network.
type Telegram struct {
	token  string
	chatID int64
	bot    BotSender
	logger *slog.Logger

	alerts chan string
	after  func(time.Duration) <-chan time.Time
}

type TelegramConfig struct {
	Token  string
	ChatID int64
	Bot    BotSender // optional, built from Token by Connect
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:  cfg.Token,
		chatID: cfg.ChatID,
		bot:    cfg.Bot,
		logger: cfg.Logger,
		alerts: make(chan string, telegramBacklog),
		after:  time.After,
	}
}

// Connect authenticates the bot token unless a bot was injected.
func (t *Telegram) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram notifier connected", "username", bot.Self.UserName, "chat", t.chatID)
	return nil
}

// Subscribe registers the notifier on the event types it reports. The
// returned func removes those handlers again.
func (t *Telegram) Subscribe(events *bus.EventBus) (unsubscribe func()) {
	types := []string{bus.EventFileQuarantined, bus.EventSessionDegraded, bus.EventQueueFull}
	ids := make([]string, len(types))
	for i, typ := range types {
		ids[i] = events.On(typ, t.enqueue)
	}
	return func() {
		for i, typ := range types {
			events.Off(typ, ids[i])
		}
	}
}

// Run sends queued alerts until ctx ends.
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.alerts:
			t.send(ctx, text)
		}
	}
}

// Notify queues a free-form message.
func (t *Telegram) Notify(text string) {
	select {
	case t.alerts <- text:
	default:
		t.logger.Warn("telegram backlog full, alert dropped")
	}
}

func (t *Telegram) enqueue(e bus.Event) {
	t.Notify(FormatEvent(e))
}

// FormatEvent renders an event as a plain-text alert.
func FormatEvent(e bus.Event) string {
	var title string
	switch e.Type {
	case bus.EventFileQuarantined:
		title = "Document quarantined"
	case bus.EventSessionDegraded:
		title = "Channel session degraded"
	case bus.EventQueueFull:
		title = "Work queue full"
	default:
		title = e.Type
	}

	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString(" at ")
	sb.WriteString(e.Timestamp.Format(time.DateTime))
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %v", k, e.Payload[k])
	}
	return sb.String()
}

func (t *Telegram) send(ctx context.Context, text string) {
	if t.bot == nil {
		t.logger.Warn("telegram notifier not connected, alert dropped")
		return
	}
	text = truncate(text, telegramMaxMsgLen)

	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text))
		if err == nil {
			return
		}
		if attempt == telegramMaxSendRetries {
			t.logger.Error("telegram send failed after retries", "error", err, "attempts", attempt+1)
			return
		}

		backoff := retryDelay(err, attempt)
		t.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-t.after(backoff):
		}
	}
}

// retryDelay honours the server's retry_after on 429 and otherwise backs off
// linearly.
func retryDelay(err error, attempt int) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	var apiVal tgbotapi.Error
	if errors.As(err, &apiVal) && apiVal.RetryAfter > 0 {
		return time.Duration(apiVal.RetryAfter) * time.Second
	}
	return time.Duration(attempt+1) * time.Second
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
