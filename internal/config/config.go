// Package config loads franklab configuration. Precedence, lowest first:
// built-in defaults, an optional franklab.yaml overlay, then environment
// variables. A .env file in the working directory is autoloaded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// OverlayFile is the optional yaml config read from the working directory.
const OverlayFile = "franklab.yaml"

// Common holds settings shared by every component.
type Common struct {
	BridgeURL string `yaml:"bridge_url"`
	AuthToken string `yaml:"bridge_auth_token"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Bus client reconnect schedule.
	ReconnectMaxAttempts  int `yaml:"bridge_reconnect_max_attempts"`
	ReconnectInitialDelay int `yaml:"bridge_reconnect_initial_delay_ms"`
	ReconnectMaxDelay     int `yaml:"bridge_reconnect_max_delay_ms"`
}

// overlay mirrors the yaml file layout: one section per component.
type overlay struct {
	Common Common `yaml:"common"`
	Bridge Bridge `yaml:"bridge"`
	Doctor Doctor `yaml:"doctor"`
	Frank  Frank  `yaml:"frank"`
	Igor   Igor   `yaml:"igor"`
}

var loaded overlay

func init() {
	// Missing .env is the normal case.
	_ = godotenv.Load()
}

// LoadOverlay reads franklab.yaml if present. Malformed yaml is an error;
// absence is not.
func LoadOverlay() error {
	data, err := os.ReadFile(OverlayFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", OverlayFile, err)
	}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", OverlayFile, err)
	}
	return nil
}

// LoadCommon resolves the shared settings.
func LoadCommon() Common {
	c := loaded.Common
	c.BridgeURL = envStr("BRIDGE_URL", defStr(c.BridgeURL, "ws://127.0.0.1:9090/bus"))
	c.AuthToken = envStr("BRIDGE_AUTH_TOKEN", c.AuthToken)
	c.LogLevel = envStr("LOG_LEVEL", defStr(c.LogLevel, "info"))
	c.LogFormat = envStr("LOG_FORMAT", defStr(c.LogFormat, "json"))
	c.ReconnectMaxAttempts = envInt("BRIDGE_RECONNECT_MAX_ATTEMPTS", defInt(c.ReconnectMaxAttempts, 0))
	c.ReconnectInitialDelay = envInt("BRIDGE_RECONNECT_INITIAL_DELAY_MS", defInt(c.ReconnectInitialDelay, 500))
	c.ReconnectMaxDelay = envInt("BRIDGE_RECONNECT_MAX_DELAY_MS", defInt(c.ReconnectMaxDelay, 30000))
	return c
}

// ReconnectInitial returns the initial reconnect delay as a duration.
func (c Common) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialDelay) * time.Millisecond
}

// ReconnectMax returns the reconnect delay ceiling as a duration.
func (c Common) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxDelay) * time.Millisecond
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func defInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
