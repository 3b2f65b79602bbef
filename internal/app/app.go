// Package app assembles the relay from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"inboxrelay/internal/browser"
	"inboxrelay/internal/bus"
	"inboxrelay/internal/channel"
	"inboxrelay/internal/config"
	"inboxrelay/internal/dispatch"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/inbox"
	"inboxrelay/internal/ledger"
	"inboxrelay/internal/metrics"
	"inboxrelay/internal/notify"
	"inboxrelay/internal/server"
	"inboxrelay/internal/session"
	"inboxrelay/internal/watch"
)

// App owns every long-lived component of a running relay.
type App struct {
	store  *config.Store
	logger *slog.Logger
	events *bus.EventBus

	drivers     []domain.ChannelDriver
	supervisors map[string]*session.Supervisor
	dispatcher  *dispatch.Dispatcher
	ledger      *ledger.Store
	processor   *inbox.Processor
	watcher     *watch.Watcher
	notifier    *notify.Telegram
	server      *server.Server
}

type Options struct {
	Store  *config.Store
	Logger *slog.Logger
	// Drivers replaces the configured channel drivers.
	Drivers []domain.ChannelDriver
}

func New(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("config store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Store.Snapshot()
	a := &App{
		store:       opts.Store,
		logger:      opts.Logger,
		events:      bus.NewEventBus(opts.Logger),
		supervisors: make(map[string]*session.Supervisor),
	}

	a.drivers = opts.Drivers
	if a.drivers == nil {
		drivers, err := BuildDrivers(cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.drivers = drivers
	}

	var senders []domain.Sender
	for _, d := range a.drivers {
		if !d.Stateful() {
			senders = append(senders, d)
			continue
		}
		sup := session.New(session.Config{
			Driver:        d,
			ReinitTimeout: reinitTimeout(cfg, d.Name()),
			Events:        a.events,
			Logger:        a.logger,
		})
		a.supervisors[d.Name()] = sup
		senders = append(senders, sup)
	}

	a.dispatcher = dispatch.New(dispatch.Config{
		Senders:  senders,
		Timeouts: channelTimeouts(cfg),
		Events:   a.events,
		Logger:   a.logger,
	})

	pcfg := inbox.ProcessorConfig{
		Settings:   a.store,
		Dispatcher: a.dispatcher,
		Events:     a.events,
		Logger:     a.logger,
	}
	if cfg.Ledger.Enabled {
		l, err := ledger.Open(ledger.Config{Path: cfg.Ledger.DBPath, Redact: cfg.General.RedactRecipients, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.ledger = l
		pcfg.Recorder = l
	}
	a.processor = inbox.NewProcessor(pcfg)

	w, err := watch.New(watch.Config{
		Dir:            cfg.Inbox.Dir,
		Extension:      cfg.Inbox.Extension,
		Settle:         time.Duration(cfg.Inbox.SettleMillis) * time.Millisecond,
		Poll:           time.Duration(cfg.Inbox.PollMillis) * time.Millisecond,
		Workers:        cfg.General.Workers,
		QueueSize:      cfg.General.QueueSize,
		RescanSchedule: cfg.Inbox.RescanSchedule,
		Processor:      a.processor,
		Events:         a.events,
		Logger:         a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.watcher = w

	if tg := cfg.Notify.Telegram; tg.Enabled {
		a.notifier = notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, Logger: a.logger})
	}

	if cfg.Server.Enabled {
		scfg := server.Config{
			Listen:  net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Status:  a,
			Events:  a.events,
			Metrics: metrics.Collector.Handler(),
			Logger:  a.logger,
		}
		if a.ledger != nil {
			scfg.History = a.ledger
		}
		a.server = server.New(scfg)
	}
	return a, nil
}

// BuildDrivers constructs one driver per known channel. Construction does no
// I/O; sessions are opened by their supervisors.
func BuildDrivers(cfg *config.Config, logger *slog.Logger) ([]domain.ChannelDriver, error) {
	ch := cfg.Channels
	rfcomm, err := ch.Bluetooth.RFCOMMChannel()
	if err != nil {
		return nil, err
	}
	bridge := browser.NewBridge(browser.BridgeConfig{
		ProfileDir: ch.WhatsApp.ProfileDir,
		Headless:   ch.WhatsApp.Headless,
		Logger:     logger,
	})
	return []domain.ChannelDriver{
		channel.NewSMS(channel.SMSConfig{Port: ch.SMS.Port, BaudRate: ch.SMS.BaudRate, Logger: logger}),
		channel.NewWhatsApp(channel.WhatsAppConfig{
			URL:       ch.WhatsApp.URL,
			Selectors: ch.WhatsApp.Selectors,
			Bridge:    bridge,
			ReadyWait: time.Duration(ch.WhatsApp.ReadySeconds) * time.Second,
			Logger:    logger,
		}),
		channel.NewBluetooth(channel.BluetoothConfig{Address: ch.Bluetooth.Address, Channel: rfcomm, Logger: logger}),
	}, nil
}

func channelTimeouts(cfg *config.Config) map[string]time.Duration {
	ch := cfg.Channels
	return map[string]time.Duration{
		domain.ChannelSMS:       time.Duration(ch.SMS.TimeoutSeconds) * time.Second,
		domain.ChannelWhatsApp:  time.Duration(ch.WhatsApp.TimeoutSeconds) * time.Second,
		domain.ChannelBluetooth: time.Duration(ch.Bluetooth.TimeoutSeconds) * time.Second,
	}
}

func reinitTimeout(cfg *config.Config, id string) time.Duration {
	switch id {
	case domain.ChannelWhatsApp:
		return time.Duration(cfg.Channels.WhatsApp.ReadySeconds+30) * time.Second
	case domain.ChannelBluetooth:
		return time.Duration(cfg.Channels.Bluetooth.TimeoutSeconds) * time.Second
	}
	return 0
}

// Events exposes the event bus.
func (a *App) Events() *bus.EventBus { return a.events }

// Sessions reports supervisor states by channel.
func (a *App) Sessions() map[string]string {
	out := make(map[string]string, len(a.supervisors))
	for id, s := range a.supervisors {
		out[id] = s.State().String()
	}
	return out
}

// Channels reports the current enabled flag of every known channel.
func (a *App) Channels() map[string]bool {
	out := make(map[string]bool)
	for _, cc := range a.store.Snapshot().ChannelConfigs() {
		out[cc.ID] = cc.Enabled
	}
	return out
}

// Tracked reports files currently owned by the watch loop.
func (a *App) Tracked() int { return a.watcher.Tracked() }

// ProcessFile runs one file through the pipeline outside the watch loop.
func (a *App) ProcessFile(ctx context.Context, path string) domain.Outcome {
	return a.processor.Process(ctx, path)
}

// Run starts sessions for enabled channels, the optional notifier and status
// server, then watches the inbox until ctx ends.
func (a *App) Run(ctx context.Context) error {
	cfg := a.store.Snapshot()
	var wg sync.WaitGroup

	for _, id := range cfg.EnabledChannels() {
		sup, ok := a.supervisors[id]
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Start(ctx); err != nil {
				a.logger.Warn("session not ready at startup, will retry on first send", "channel", id, "error", err)
			}
		}()
	}

	if a.notifier != nil {
		if err := a.notifier.Connect(); err != nil {
			a.logger.Warn("telegram notifier disabled", "error", err)
		} else {
			// Alerts queue only while someone drains them.
			unsubscribe := a.notifier.Subscribe(a.events)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer unsubscribe()
				a.notifier.Run(ctx)
			}()
		}
	}

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Start(ctx); err != nil {
				a.logger.Error("status server", "error", err)
			}
		}()
	}

	err := a.watcher.Run(ctx)
	wg.Wait()
	return err
}

// Close releases drivers and the ledger.
func (a *App) Close() error {
	var errs []error
	for _, d := range a.drivers {
		if sup, ok := a.supervisors[d.Name()]; ok {
			errs = append(errs, sup.Close())
			continue
		}
		errs = append(errs, d.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
