package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"inboxrelay/internal/app"
	"inboxrelay/internal/browser"
	"inboxrelay/internal/channel"
	"inboxrelay/internal/config"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/ledger"
	"inboxrelay/internal/logging"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger, _, _ = logging.New(logging.Options{Level: "info"})

	root := &cobra.Command{
		Use:   "inboxrelay",
		Short: "inboxrelay: deliver dropped documents over SMS, WhatsApp and Bluetooth",
		Long: `inboxrelay watches an inbox directory. Every document dropped there names a
recipient and a message; the message is delivered through each enabled channel.
Fully delivered files are removed, anything else is renamed with an error suffix.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.inboxrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(processCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(channelsCmd())
	root.AddCommand(portsCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(wizardCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the background service"}
	daemon.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// openRuntime opens the config store and replaces the bootstrap logger with
// the configured one. The returned func closes the log file.
func openRuntime() (*config.Store, func() error, error) {
	store, err := config.OpenStore(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg := store.Snapshot()
	l, closeLog, err := logging.New(logging.Options{Level: cfg.General.LogLevel, File: cfg.General.LogFile})
	if err != nil {
		return nil, nil, err
	}
	logger = l
	slog.SetDefault(l)
	return store, closeLog, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the inbox directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			inbox := config.ExpandPath(cfg.Inbox.Dir)
			if err := os.MkdirAll(inbox, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "inbox", inbox)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the inbox and deliver documents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeLog, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			relay, err := app.New(app.Options{Store: store, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := relay.Close(); err != nil {
					logger.Warn("shutdown", "error", err)
				}
			}()

			cfg := store.Snapshot()
			logger.Info("relay started. Press Ctrl+C to stop.",
				"version", version,
				"inbox", cfg.Inbox.Dir,
				"channels", strings.Join(cfg.EnabledChannels(), ","))

			if err := relay.Run(ctx); err != nil {
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <file>",
		Short: "Deliver a single document now, outside the watch loop",
		Long: `Runs one file through parsing and delivery exactly like the watcher would,
including removal on success and quarantine on failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeLog, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			relay, err := app.New(app.Options{Store: store, Logger: logger})
			if err != nil {
				return err
			}
			defer relay.Close()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			out := relay.ProcessFile(ctx, path)
			fmt.Printf("%s: %s (%s)\n", filepath.Base(out.File), out.Disposition, out.Summary())
			if out.Err != nil {
				fmt.Printf("  error: %v\n", out.Err)
			}
			for _, r := range out.Failed() {
				fmt.Printf("  %s: %v\n", r.Channel, r.Err)
			}
			if out.Disposition != domain.Consumed {
				return fmt.Errorf("file quarantined")
			}
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a visible browser to link the WhatsApp session",
		Long:  "Opens Chrome on the configured profile. Scan the QR code, then press Ctrl+C; the session is kept for headless use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeLog, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeLog()
			cfg := store.Snapshot()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge := browser.NewBridge(browser.BridgeConfig{
				ProfileDir: cfg.Channels.WhatsApp.ProfileDir,
				Logger:     logger,
			})
			return bridge.Login(ctx, cfg.Channels.WhatsApp.URL)
		},
	}
}

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List and toggle delivery channels",
		Long:  "Changes are saved immediately; a running relay applies them to the next file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show every channel and whether it is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.OpenStore(resolveConfigPath())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tENABLED\tSETTINGS")
			for _, cc := range store.Snapshot().ChannelConfigs() {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", cc.ID, cc.Enabled, formatSettings(cc.Settings))
			}
			return tw.Flush()
		},
	})

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:       use + " <channel>",
			Short:     strings.ToUpper(use[:1]) + use[1:] + " a channel",
			Args:      cobra.ExactArgs(1),
			ValidArgs: domain.ChannelOrder,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := config.OpenStore(resolveConfigPath())
				if err != nil {
					return err
				}
				if err := store.Update(func(cfg *config.Config) error {
					return cfg.SetChannelEnabled(args[0], enabled)
				}); err != nil {
					return err
				}
				logger.Info("channel updated", "channel", args[0], "enabled", enabled, "file", store.Path())
				return nil
			},
		}
	}
	cmd.AddCommand(toggle("enable", true), toggle("disable", false))
	return cmd
}

func formatSettings(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		if m[k] != "" {
			parts = append(parts, k+"="+m[k])
		}
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports a modem could be attached to",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := channel.ListSerialPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
		prune  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently processed documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.OpenStore(resolveConfigPath())
			if err != nil {
				return err
			}
			cfg := store.Snapshot()
			if !cfg.Ledger.Enabled {
				return fmt.Errorf("ledger is disabled (ledger.enabled=false)")
			}
			l, err := ledger.Open(ledger.Config{Path: cfg.Ledger.DBPath, Logger: logger})
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if prune > 0 {
				n, err := l.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				logger.Info("ledger pruned", "removed", n, "older_than", prune)
			}

			entries, err := l.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tFILE\tRECIPIENT\tDISPOSITION\tCHANNELS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.StartedAt.Local().Format(time.DateTime), filepath.Base(e.File), e.Recipient, e.Disposition, e.Summary)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			totals, err := l.Totals(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("\n%d consumed, %d quarantined\n", totals.Consumed, totals.Quarantined)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	cmd.Flags().DurationVar(&prune, "prune", 0, "first delete entries older than this (e.g. 720h)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. channels.sms.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.OpenStore(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(store.Snapshot()), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. inbox.countryCode 966)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.OpenStore(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.Update(func(cfg *config.Config) error {
				return config.SetByPath(cfg, args[0], args[1])
			}); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", store.Path())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.OpenStore(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(store.Snapshot()), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
