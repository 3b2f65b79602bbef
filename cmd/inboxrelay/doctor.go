package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"inboxrelay/internal/app"
	"inboxrelay/internal/config"
	"inboxrelay/internal/ledger"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your inboxrelay installation",
		Long: `Verifies that the configuration, inbox directory, ledger and enabled
channels are usable. With --check each enabled channel is health-checked
(the modem is sent AT, the browser session is opened, the peer is dialed).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("inboxrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'inboxrelay init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				return fmt.Errorf("invalid config")
			}
			printPass("Config validation", "valid")
			passed++

			if err := checkWritableDir(cfg.Inbox.Dir); err != nil {
				printFail("Inbox", err.Error())
				failed++
			} else {
				printPass("Inbox", fmt.Sprintf("%s (*%s)", cfg.Inbox.Dir, cfg.Inbox.Extension))
				passed++
			}

			if cfg.Ledger.Enabled {
				if err := checkLedger(cfg.Ledger.DBPath); err != nil {
					printFail("Ledger", err.Error())
					failed++
				} else {
					printPass("Ledger", cfg.Ledger.DBPath)
					passed++
				}
			} else {
				printWarn("Ledger", "disabled, no history is kept")
				warned++
			}

			enabled := cfg.EnabledChannels()
			if len(enabled) == 0 {
				printWarn("Channels", "none enabled; every file will be removed without delivery")
				warned++
			}
			on := make(map[string]bool, len(enabled))
			for _, id := range enabled {
				on[id] = true
			}
			drivers, err := app.BuildDrivers(cfg, logger)
			if err != nil {
				printFail("Channels", err.Error())
				failed++
			}
			for _, d := range drivers {
				name := "Channel: " + d.Name()
				if !on[d.Name()] {
					printSkip(name, "disabled")
					continue
				}
				if !check {
					printPass(name, "enabled (use --check to test)")
					passed++
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
				err := d.Reinitialize(ctx)
				if err == nil {
					err = d.HealthCheck(ctx)
				}
				cancel()
				d.Close()
				if err != nil {
					printFail(name, err.Error())
					failed++
				} else {
					printPass(name, "reachable")
					passed++
				}
			}

			if cfg.Server.Enabled {
				addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
				if err := checkListen(addr); err != nil {
					printWarn("Status server", fmt.Sprintf("%s may be in use: %v", addr, err))
					warned++
				} else {
					printPass("Status server", addr+" available")
					passed++
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running inboxrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned == 0 {
				fmt.Printf("\nAll checks passed! inboxrelay is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "health-check every enabled channel")
	return cmd
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// checkLedger opens the ledger, which also applies pending migrations.
func checkLedger(path string) error {
	l, err := ledger.Open(ledger.Config{Path: path, Logger: logger})
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.Totals(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func printSkip(check, detail string) {
	fmt.Printf("  [SKIP] %-20s %s\n", check, detail)
}
