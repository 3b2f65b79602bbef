package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"inboxrelay/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for inboxrelay.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Inbox    InboxConfig    `json:"inbox" yaml:"inbox"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
}

type GeneralConfig struct {
	LogLevel         string `json:"logLevel" yaml:"logLevel"`
	LogFile          string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	RedactRecipients bool   `json:"redactRecipients" yaml:"redactRecipients"`
	Workers          int    `json:"workers" yaml:"workers"`     // concurrent processing tasks
	QueueSize        int    `json:"queueSize" yaml:"queueSize"` // files waiting for a worker
}

type InboxConfig struct {
	Dir            string `json:"dir" yaml:"dir"`
	Extension      string `json:"extension" yaml:"extension"`
	ErrorSuffix    string `json:"errorSuffix" yaml:"errorSuffix"`
	SettleMillis   int    `json:"settleMillis" yaml:"settleMillis"`
	PollMillis     int    `json:"pollMillis" yaml:"pollMillis"`
	RescanSchedule string `json:"rescanSchedule,omitempty" yaml:"rescanSchedule,omitempty"` // cron spec, "" = off
	CountryCode    string `json:"countryCode" yaml:"countryCode"`
}

type ChannelsConfig struct {
	SMS       SMSConfig       `json:"sms" yaml:"sms"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
	Bluetooth BluetoothConfig `json:"bluetooth" yaml:"bluetooth"`
}

type SMSConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Port           string `json:"port" yaml:"port"`
	BaudRate       int    `json:"baudRate" yaml:"baudRate"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type WhatsAppConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	URL            string            `json:"url" yaml:"url"`
	ProfileDir     string            `json:"profileDir,omitempty" yaml:"profileDir,omitempty"`
	Headless       bool              `json:"headless" yaml:"headless"`
	Selectors      map[string]string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	ReadySeconds   int               `json:"readySeconds" yaml:"readySeconds"` // wait for an authenticated page
}

type BluetoothConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"` // paired peer, AA:BB:CC:DD:EE:FF
	Channel        int    `json:"channel" yaml:"channel"` // RFCOMM channel
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// RFCOMM server channels are numbered 1..30.
const (
	MinRFCOMMChannel = 1
	MaxRFCOMMChannel = 30
)

// RFCOMMChannel returns Channel narrowed to the socket's uint8.
func (b BluetoothConfig) RFCOMMChannel() (uint8, error) {
	if b.Channel < MinRFCOMMChannel || b.Channel > MaxRFCOMMChannel {
		return 0, fmt.Errorf("bluetooth channel %d out of range %d-%d", b.Channel, MinRFCOMMChannel, MaxRFCOMMChannel)
	}
	return uint8(b.Channel), nil
}

type LedgerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

// ServerConfig configures the optional HTTP status surface.
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  int64  `json:"chatId" yaml:"chatId"`
}

// ChannelConfigs returns one snapshot per channel in dispatch order.
func (c *Config) ChannelConfigs() []domain.ChannelConfig {
	ch := c.Channels
	return []domain.ChannelConfig{
		{
			ID:      domain.ChannelSMS,
			Enabled: ch.SMS.Enabled,
			Settings: map[string]string{
				"port":     ch.SMS.Port,
				"baudRate": strconv.Itoa(ch.SMS.BaudRate),
			},
		},
		{
			ID:      domain.ChannelWhatsApp,
			Enabled: ch.WhatsApp.Enabled,
			Settings: map[string]string{
				"url":        ch.WhatsApp.URL,
				"profileDir": ch.WhatsApp.ProfileDir,
				"headless":   strconv.FormatBool(ch.WhatsApp.Headless),
			},
		},
		{
			ID:      domain.ChannelBluetooth,
			Enabled: ch.Bluetooth.Enabled,
			Settings: map[string]string{
				"address": ch.Bluetooth.Address,
				"channel": strconv.Itoa(ch.Bluetooth.Channel),
			},
		},
	}
}

// EnabledChannels returns the IDs of enabled channels in dispatch order.
func (c *Config) EnabledChannels() []string {
	var ids []string
	for _, cc := range c.ChannelConfigs() {
		if cc.Enabled {
			ids = append(ids, cc.ID)
		}
	}
	return ids
}

// SetChannelEnabled toggles a channel by ID.
func (c *Config) SetChannelEnabled(id string, enabled bool) error {
	switch id {
	case domain.ChannelSMS:
		c.Channels.SMS.Enabled = enabled
	case domain.ChannelWhatsApp:
		c.Channels.WhatsApp.Enabled = enabled
	case domain.ChannelBluetooth:
		c.Channels.Bluetooth.Enabled = enabled
	default:
		return fmt.Errorf("unknown channel %q (known: %s)", id, strings.Join(domain.ChannelOrder, ", "))
	}
	return nil
}

// DefaultConfigDir returns the default config directory (~/.inboxrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inboxrelay"
	}
	return filepath.Join(home, ".inboxrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) expandPaths() {
	c.Inbox.Dir = ExpandPath(c.Inbox.Dir)
	c.Ledger.DBPath = ExpandPath(c.Ledger.DBPath)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Channels.WhatsApp.ProfileDir = ExpandPath(c.Channels.WhatsApp.ProfileDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg synchronously, replacing the file atomically.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("cannot create temp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.Workers < 1 || cfg.General.Workers > 64 {
		errs = append(errs, "general.workers must be between 1 and 64")
	}
	if cfg.General.QueueSize < 1 {
		errs = append(errs, "general.queueSize must be >= 1")
	}

	if cfg.Inbox.Dir == "" {
		errs = append(errs, "inbox.dir is required")
	}
	if !strings.HasPrefix(cfg.Inbox.Extension, ".") || len(cfg.Inbox.Extension) < 2 {
		errs = append(errs, "inbox.extension must start with '.'")
	}
	if cfg.Inbox.ErrorSuffix == "" || cfg.Inbox.ErrorSuffix == cfg.Inbox.Extension {
		errs = append(errs, "inbox.errorSuffix must be non-empty and differ from inbox.extension")
	}
	if cfg.Inbox.SettleMillis < 0 || cfg.Inbox.PollMillis < 1 {
		errs = append(errs, "inbox.settleMillis must be >= 0 and inbox.pollMillis >= 1")
	}
	if cc := cfg.Inbox.CountryCode; cc == "" || strings.Trim(cc, "0123456789") != "" {
		errs = append(errs, "inbox.countryCode must be digits")
	}

	sms := cfg.Channels.SMS
	if sms.Enabled && sms.Port == "" {
		errs = append(errs, "channels.sms.port is required when sms is enabled")
	}
	if sms.BaudRate <= 0 {
		errs = append(errs, "channels.sms.baudRate must be > 0")
	}
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.URL == "" {
		errs = append(errs, "channels.whatsapp.url is required when whatsapp is enabled")
	}
	bt := cfg.Channels.Bluetooth
	if bt.Enabled && bt.Address == "" {
		errs = append(errs, "channels.bluetooth.address is required when bluetooth is enabled")
	}
	if _, err := bt.RFCOMMChannel(); err != nil {
		errs = append(errs, fmt.Sprintf("channels.bluetooth.channel must be between %d and %d", MinRFCOMMChannel, MaxRFCOMMChannel))
	}
	for name, secs := range map[string]int{
		"sms":       sms.TimeoutSeconds,
		"whatsapp":  cfg.Channels.WhatsApp.TimeoutSeconds,
		"bluetooth": bt.TimeoutSeconds,
	} {
		if secs < 1 {
			errs = append(errs, fmt.Sprintf("channels.%s.timeoutSeconds must be >= 1", name))
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Notify.Telegram.Enabled && (cfg.Notify.Telegram.Token == "" || cfg.Notify.Telegram.ChatID == 0) {
		errs = append(errs, "notify.telegram requires token and chatId when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
