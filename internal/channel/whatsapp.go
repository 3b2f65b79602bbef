package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"inboxrelay/internal/browser"
	"inboxrelay/internal/domain"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ErrSessionNotReady is returned when the chat session has not been
// (re)initialized or its browser died.
var ErrSessionNotReady = errors.New("chat session not ready")

// Default WhatsApp Web selectors. Each may be overridden from config.
var defaultWhatsAppSelectors = map[string]string{
	"ready":     "#pane-side",
	"search":    `div[role="textbox"]`,
	"compose":   `footer div[role="textbox"]`,
	"attach":    `div[title="Attach"]`,
	"fileInput": `input[type="file"]`,
	"send":      `div[aria-label="Send"]`,
}

// WhatsAppSelectors holds the CSS selectors used to drive the chat page.
type WhatsAppSelectors struct {
	Ready     string // visible only in an authenticated session
	Search    string
	Compose   string
	Attach    string
	FileInput string
	Send      string
}

// ResolveWhatsAppSelectors merges overrides onto the defaults.
func ResolveWhatsAppSelectors(overrides map[string]string) WhatsAppSelectors {
	pick := func(key string) string {
		if v := overrides[key]; v != "" {
			return v
		}
		return defaultWhatsAppSelectors[key]
	}
	return WhatsAppSelectors{
		Ready:     pick("ready"),
		Search:    pick("search"),
		Compose:   pick("compose"),
		Attach:    pick("attach"),
		FileInput: pick("fileInput"),
		Send:      pick("send"),
	}
}

// WhatsApp delivers through a logged-in WhatsApp Web session in a headless
// browser. The session is stateful and fragile: it must be driven through a
// session supervisor, which owns locking and re-initialization.
type WhatsApp struct {
	url       string
	selectors WhatsAppSelectors
	bridge    *browser.Bridge
	readyWait time.Duration
	settle    time.Duration
	logger    *slog.Logger

	page *browser.Page
}

type WhatsAppConfig struct {
	URL       string
	Selectors map[string]string
	Bridge    *browser.Bridge
	ReadyWait time.Duration // how long an authenticated page may take to appear
	Logger    *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{
		url:       cfg.URL,
		selectors: ResolveWhatsAppSelectors(cfg.Selectors),
		bridge:    cfg.Bridge,
		readyWait: cfg.ReadyWait,
		settle:    time.Second,
		logger:    cfg.Logger,
	}
}

func (w *WhatsApp) Name() string   { return domain.ChannelWhatsApp }
func (w *WhatsApp) Stateful() bool { return true }

// HealthCheck verifies the browser is alive and still shows an
// authenticated chat list.
func (w *WhatsApp) HealthCheck(ctx context.Context) error {
	if !w.page.Alive() {
		return ErrSessionNotReady
	}
	ok, err := w.page.Exists(ctx, w.selectors.Ready)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: logged out or page changed", ErrSessionNotReady)
	}
	return nil
}

// Reinitialize closes any previous browser and opens a fresh session on the
// persisted profile.
func (w *WhatsApp) Reinitialize(ctx context.Context) error {
	w.page.Close()
	w.page = nil

	waitCtx, cancel := context.WithTimeout(ctx, w.readyWait)
	defer cancel()

	page, err := w.bridge.Open(waitCtx, w.url, w.selectors.Ready)
	if err != nil {
		return fmt.Errorf("open chat session (run 'inboxrelay login' if the profile is not authenticated): %w", err)
	}
	w.page = page
	w.logger.Info("whatsapp session ready", "profile", w.bridge.ProfileDir())
	return nil
}

// Send opens the recipient's chat, types the body and attaches the file.
func (w *WhatsApp) Send(ctx context.Context, env domain.Envelope, attachmentPath string) error {
	if !w.page.Alive() {
		return domain.Failure(w.Name(), domain.FailureSessionUnavailable, ErrSessionNotReady)
	}
	sel := w.selectors

	err := w.page.Run(ctx,
		chromedp.WaitVisible(sel.Search, chromedp.ByQuery),
		chromedp.Click(sel.Search, chromedp.ByQuery),
		chromedp.SendKeys(sel.Search, env.Recipient+kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(w.settle),
		chromedp.WaitVisible(sel.Compose, chromedp.ByQuery),
		chromedp.SendKeys(sel.Compose, env.Body+kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return w.failure("send text", err)
	}

	if attachmentPath == "" {
		return nil
	}
	abs, err := filepath.Abs(attachmentPath)
	if err != nil {
		return domain.Failure(w.Name(), domain.FailureRejected, err)
	}
	err = w.page.Run(ctx,
		chromedp.Click(sel.Attach, chromedp.ByQuery),
		chromedp.SetUploadFiles(sel.FileInput, []string{abs}, chromedp.ByQuery),
		chromedp.Sleep(w.settle),
		chromedp.WaitVisible(sel.Send, chromedp.ByQuery),
		chromedp.Click(sel.Send, chromedp.ByQuery),
	)
	if err != nil {
		return w.failure("send attachment", err)
	}
	return nil
}

func (w *WhatsApp) failure(step string, err error) error {
	kind := domain.FailureTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = domain.FailureTimeout
	}
	return domain.Failure(w.Name(), kind, fmt.Errorf("%s: %w", step, err))
}

func (w *WhatsApp) Close() error {
	w.page.Close()
	w.page = nil
	return nil
}
