package config

// Defaults mirrors the behaviour of a fresh install: modem and chat delivery
// on, short-range transfer off until a peer is paired.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:         "info",
			RedactRecipients: true,
			Workers:          4,
			QueueSize:        64,
		},
		Inbox: InboxConfig{
			Dir:            "~/.inboxrelay/inbox",
			Extension:      ".pdf",
			ErrorSuffix:    ".error",
			SettleMillis:   500,
			PollMillis:     250,
			RescanSchedule: "@every 1m",
			CountryCode:    "966",
		},
		Channels: ChannelsConfig{
			SMS: SMSConfig{
				Enabled:        true,
				Port:           "/dev/ttyUSB0",
				BaudRate:       9600,
				TimeoutSeconds: 20,
			},
			WhatsApp: WhatsAppConfig{
				Enabled:        true,
				URL:            "https://web.whatsapp.com",
				ProfileDir:     "~/.inboxrelay/chrome-profile",
				Headless:       true,
				TimeoutSeconds: 60,
				ReadySeconds:   45,
			},
			Bluetooth: BluetoothConfig{
				Enabled:        false,
				Channel:        1,
				TimeoutSeconds: 60,
			},
		},
		Ledger: LedgerConfig{
			Enabled: true,
			DBPath:  "~/.inboxrelay/ledger.db",
		},
		Server: ServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8686,
		},
	}
}
