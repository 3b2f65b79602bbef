package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Bridge launches Chrome instances that share one persistent profile, so a
// session authenticated once (see Login) survives restarts.
type Bridge struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	Headless   bool
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".inboxrelay", "chrome-profile")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger,
	}
}

// ProfileDir returns the Chrome user data directory.
func (b *Bridge) ProfileDir() string { return b.profileDir }

func (b *Bridge) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if os.Geteuid() == 0 {
		opts = append(opts, chromedp.NoSandbox)
	}
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// NewContext creates a chromedp context on the bridge profile.
// The caller MUST call cancel() when done; it closes the browser.
func (b *Bridge) NewContext(parentCtx context.Context) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o700); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, b.allocatorOptions(b.headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Login opens a visible browser for the operator to authenticate (e.g. scan
// a QR code). Cookies land in the profile directory when ctx is cancelled.
func (b *Bridge) Login(ctx context.Context, url string) error {
	b.logger.Info("opening browser for login", "url", url)

	if err := os.MkdirAll(b.profileDir, 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions(false)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Log in, then press Ctrl+C to save the session.")
	<-ctx.Done()

	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// Open launches a browser that outlives ctx, navigates to url and waits until
// readySelector is visible. ctx only bounds the wait.
func (b *Bridge) Open(ctx context.Context, url, readySelector string) (*Page, error) {
	taskCtx, cancel := b.NewContext(context.Background())
	page := &Page{ctx: taskCtx, cancel: cancel}

	// The first Run starts Chrome and ties the process to the context it is
	// given, so it must run on the tab context itself. ctx may still abort
	// a slow start.
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(taskCtx)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	err = page.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(readySelector, chromedp.ByQuery),
	)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	b.logger.Debug("browser page ready", "url", url)
	return page, nil
}
