package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"inboxrelay/internal/channel"
	"inboxrelay/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: inbox → channels → notifications → save config",
		Long:  "Guides you through the inbox directory, recipient country code, each delivery channel and optional Telegram alerts. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

// prompter reads answers line by line, falling back to a default on empty input.
type prompter struct {
	r   *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

func (p *prompter) confirm(question string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	ans, err := p.ask(question+" (y/n)", d)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(ans), "y"), nil
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	p := &prompter{r: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "\n--- Step 1: Inbox ---")
	if cfg.Inbox.Dir, err = p.ask("Directory to watch for documents", cfg.Inbox.Dir); err != nil {
		return err
	}
	cfg.Inbox.Dir = config.ExpandPath(cfg.Inbox.Dir)
	if cfg.Inbox.CountryCode, err = p.ask("Country code prepended to local numbers", cfg.Inbox.CountryCode); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 2: SMS modem ---")
	if cfg.Channels.SMS.Enabled, err = p.confirm("Send SMS through a GSM modem?", cfg.Channels.SMS.Enabled); err != nil {
		return err
	}
	if cfg.Channels.SMS.Enabled {
		def := cfg.Channels.SMS.Port
		if ports, err := channel.ListSerialPorts(); err == nil && len(ports) > 0 {
			fmt.Fprintf(out, "  Detected ports: %s\n", strings.Join(ports, ", "))
			if def == "" {
				def = ports[0]
			}
		}
		if cfg.Channels.SMS.Port, err = p.ask("Modem port", def); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 3: WhatsApp ---")
	if cfg.Channels.WhatsApp.Enabled, err = p.confirm("Send through WhatsApp Web?", cfg.Channels.WhatsApp.Enabled); err != nil {
		return err
	}
	if cfg.Channels.WhatsApp.Enabled {
		fmt.Fprintln(out, "  Run 'inboxrelay login' afterwards to link the session.")
	}

	fmt.Fprintln(out, "\n--- Step 4: Bluetooth ---")
	if cfg.Channels.Bluetooth.Enabled, err = p.confirm("Push the document to a paired Bluetooth device?", cfg.Channels.Bluetooth.Enabled); err != nil {
		return err
	}
	if cfg.Channels.Bluetooth.Enabled {
		if cfg.Channels.Bluetooth.Address, err = p.ask("Device address (AA:BB:CC:DD:EE:FF)", cfg.Channels.Bluetooth.Address); err != nil {
			return err
		}
		if _, err := channel.ParseBDAddr(cfg.Channels.Bluetooth.Address); err != nil {
			return err
		}
		ch, err := p.ask("RFCOMM channel", strconv.Itoa(cfg.Channels.Bluetooth.Channel))
		if err != nil {
			return err
		}
		if cfg.Channels.Bluetooth.Channel, err = strconv.Atoi(ch); err != nil {
			return fmt.Errorf("invalid channel %q", ch)
		}
	}

	fmt.Fprintln(out, "\n--- Step 5: Alerts ---")
	tg := &cfg.Notify.Telegram
	if tg.Enabled, err = p.confirm("Send quarantine alerts to Telegram?", tg.Enabled); err != nil {
		return err
	}
	if tg.Enabled {
		if tg.Token, err = p.ask("Bot token (from @BotFather, or ${TELEGRAM_BOT_TOKEN})", tg.Token); err != nil {
			return err
		}
		def := ""
		if tg.ChatID != 0 {
			def = strconv.FormatInt(tg.ChatID, 10)
		}
		id, err := p.ask("Chat ID", def)
		if err != nil {
			return err
		}
		if tg.ChatID, err = strconv.ParseInt(id, 10, 64); err != nil {
			return fmt.Errorf("invalid chat id %q", id)
		}
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Inbox.Dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'inboxrelay doctor --check', then 'inboxrelay run'.")
	return nil
}
