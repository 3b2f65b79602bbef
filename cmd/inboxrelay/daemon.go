package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"inboxrelay/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "io.inboxrelay.relay"
	systemdUnit  = "inboxrelay.service"

	// Grace on top of the channel timeouts for the ledger write and rename.
	stopGraceSeconds = 15
)

// service is what a unit file needs to know about one relay configuration.
type service struct {
	Exec     string
	Config   string
	Channels string

	// LogFile receives launchd stdout/stderr. systemd leaves output to journald.
	LogFile string
	// SerialPort is checked for write access before systemd starts the relay.
	SerialPort string
	Bluetooth  bool
	// Display is set when WhatsApp runs a visible browser window.
	Display bool
	// StopTimeout covers a file in flight waiting on every channel send.
	StopTimeout int
}

func newService(execPath, cfgPath string, cfg *config.Config) service {
	svc := service{
		Exec:        execPath,
		Config:      cfgPath,
		Channels:    strings.Join(cfg.EnabledChannels(), ", "),
		LogFile:     cfg.General.LogFile,
		StopTimeout: stopGraceSeconds,
	}
	if svc.Channels == "" {
		svc.Channels = "no channels"
	}
	if svc.LogFile == "" {
		svc.LogFile = filepath.Join(config.DefaultConfigDir(), "logs", "inboxrelay.log")
	}
	ch := cfg.Channels
	if ch.SMS.Enabled {
		svc.SerialPort = ch.SMS.Port
		svc.StopTimeout += ch.SMS.TimeoutSeconds
	}
	if ch.WhatsApp.Enabled {
		svc.Display = !ch.WhatsApp.Headless
		svc.StopTimeout += ch.WhatsApp.TimeoutSeconds
	}
	if ch.Bluetooth.Enabled {
		svc.Bluetooth = true
		svc.StopTimeout += ch.Bluetooth.TimeoutSeconds
	}
	return svc
}

var (
	systemdTmpl = template.Must(template.New("systemd").Parse(systemdTemplate))
	launchdTmpl = template.Must(template.New("launchd").Parse(launchdTemplate))
)

func (s service) render(goos string) (string, error) {
	tmpl := systemdTmpl
	switch goos {
	case "linux":
	case "darwin":
		tmpl = launchdTmpl
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("render %s service: %w", goos, err)
	}
	return buf.String(), nil
}

// servicePath is where the per-user service manager looks for the unit.
func servicePath(goos string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install inboxrelay as a user service (launchd/systemd)",
		Long: `Generates a service file that runs 'inboxrelay run' at login and restarts it
on failure. The file is derived from the configuration: the modem device is
checked before start, bluetooth.target is required only when Bluetooth is
enabled, and the stop timeout covers the enabled channels' send timeouts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("service needs a valid config: %w", err)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			svc := newService(execPath, cfgPath, cfg)
			content, err := svc.render(runtime.GOOS)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Fprintln(cmd.OutOrStdout(), content)
				return nil
			}

			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if runtime.GOOS == "darwin" {
				if err := os.MkdirAll(filepath.Dir(svc.LogFile), 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon installed: %s (%s)\n", path, svc.Channels)
			if runtime.GOOS == "darwin" {
				fmt.Fprintf(out, "To start: launchctl load %s\n", path)
				fmt.Fprintf(out, "To stop:  launchctl unload %s\n", path)
				return nil
			}
			fmt.Fprintf(out, "To start:  systemctl --user daemon-reload && systemctl --user start inboxrelay\n")
			fmt.Fprintf(out, "To enable: systemctl --user enable inboxrelay\n")
			fmt.Fprintf(out, "Logs:      journalctl --user -u inboxrelay -f\n")
			if svc.SerialPort != "" {
				fmt.Fprintf(out, "Note: the service user needs write access to %s (usually the dialout group).\n", svc.SerialPort)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service file instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the inboxrelay user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabel + `</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ExitTimeOut</key>
    <integer>{{.StopTimeout}}</integer>
    <key>StandardOutPath</key>
    <string>{{.LogFile}}</string>
    <key>StandardErrorPath</key>
    <string>{{.LogFile}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=inboxrelay document delivery ({{.Channels}})
After=network-online.target{{if .Bluetooth}} bluetooth.target{{end}}{{if .Display}} graphical-session.target{{end}}
{{- if .Bluetooth}}
Requires=bluetooth.target
{{- end}}

[Service]
Type=simple
{{- if .SerialPort}}
ExecStartPre=/usr/bin/test -w {{.SerialPort}}
{{- end}}
{{- if .Display}}
PassEnvironment=DISPLAY WAYLAND_DISPLAY XAUTHORITY
{{- end}}
ExecStart={{.Exec}} run --config {{.Config}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec={{.StopTimeout}}

[Install]
WantedBy=default.target
`
