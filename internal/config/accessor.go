package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toMap round-trips cfg through JSON so paths match the file's key names.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "channels.sms.port").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		val, ok := node[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		current = val
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. Unknown intermediate
// keys are rejected so typos do not silently create dead settings.
func SetByPath(cfg *Config, path string, value string) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	freeForm := strings.HasPrefix(path, "channels.whatsapp.selectors.")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			if !freeForm || parent[key] != nil {
				return fmt.Errorf("key not found: %s", path)
			}
			child = make(map[string]any)
			parent[key] = child
		}
		parent = child
	}
	last := parts[len(parts)-1]
	if _, ok := parent[last]; !ok && !freeForm {
		return fmt.Errorf("key not found: %s", path)
	}
	parent[last] = parseValue(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	updated := Defaults()
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	*cfg = *updated
	return nil
}

// parseValue converts CLI strings to JSON-typed values.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	cp := Clone(cfg)
	if cp.Notify.Telegram.Token != "" {
		cp.Notify.Telegram.Token = maskString(cp.Notify.Telegram.Token)
	}
	return cp
}

// Clone deep-copies cfg.
func Clone(cfg *Config) *Config {
	cp := *cfg
	if cfg.Channels.WhatsApp.Selectors != nil {
		cp.Channels.WhatsApp.Selectors = make(map[string]string, len(cfg.Channels.WhatsApp.Selectors))
		for k, v := range cfg.Channels.WhatsApp.Selectors {
			cp.Channels.WhatsApp.Selectors[k] = v
		}
	}
	return &cp
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
