// Package daemon manages the Manager's lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all Manager configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	P2P       P2PConfig       `toml:"p2p"`
	HTTP      HTTPConfig      `toml:"http"`
	Manager   ManagerConfig   `toml:"manager"`
	Payments  PaymentsConfig  `toml:"payments"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID         string `toml:"id"`
	DataDir    string `toml:"data_dir"`
	PrivateKey string `toml:"private_key"` // hex Ed25519 key; overrides the persisted identity
}

// P2PConfig controls the worker-facing WebSocket transport.
type P2PConfig struct {
	Port     int      `toml:"port"`
	Listen   []string `toml:"listen"`
	Announce []string `toml:"announce"`
}

// HTTPConfig controls the admin HTTP server.
type HTTPConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ManagerConfig controls dispatch behavior.
type ManagerConfig struct {
	AutoManage         bool   `toml:"auto_manage"`
	TickInterval       string `toml:"tick_interval"`
	AcceptanceTime     string `toml:"acceptance_time"`
	RequireAccessCodes bool   `toml:"require_access_codes"`
	WithAdmin          bool   `toml:"with_admin"`
}

// PaymentsConfig controls payment accrual and settlement.
type PaymentsConfig struct {
	BatchSize           int    `toml:"batch_size"`
	PaymentAccount      string `toml:"payment_account"`
	PrivateKey          string `toml:"private_key"` // hex; signing key uses the first 32 bytes
	VerificationKeyFile string `toml:"verification_key_file"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns sensible Manager defaults.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			DataDir: effectHome(),
		},
		P2P: P2PConfig{
			Port: 19955,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8889,
		},
		Manager: ManagerConfig{
			AutoManage:         true,
			TickInterval:       "1s",
			AcceptanceTime:     "30s",
			RequireAccessCodes: true,
			WithAdmin:          true,
		},
		Payments: PaymentsConfig{
			BatchSize: 100,
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads config from $EFFECT_HOME/config.toml, falling back to
// defaults when no file exists.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(effectHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $EFFECT_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(effectHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ParsedTickInterval parses the configured tick cadence.
func (c ManagerConfig) ParsedTickInterval() time.Duration {
	return parseDuration(c.TickInterval, time.Second)
}

// ParsedAcceptanceTime parses how long a task may stay offered.
func (c ManagerConfig) ParsedAcceptanceTime() time.Duration {
	return parseDuration(c.AcceptanceTime, 30*time.Second)
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// effectHome returns the Manager data directory.
func effectHome() string {
	if env := os.Getenv("EFFECT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".effect")
}

// EffectHome is exported for use by other packages.
func EffectHome() string {
	return effectHome()
}
