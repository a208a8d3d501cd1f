package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server      ServerSection      `toml:"server"`
	History     HistorySection     `toml:"history"`
	Limits      LimitsSection      `toml:"limits"`
	Credentials CredentialsSection `toml:"credentials"`
}

type ServerSection struct {
	TCPPort  *int `toml:"tcp_port"` // nil keeps the default; 0 picks an ephemeral port
	HTTPPort int `toml:"http_port"`
	Workers  int `toml:"workers"`
}

type HistorySection struct {
	Capacity       int `toml:"capacity"`
	EvictBatch     int `toml:"evict_batch"`
	ReplayOnLogin  int `toml:"replay_on_login"`
	DefaultHistory int `toml:"default_history"`
}

type LimitsSection struct {
	MessageRate   float64 `toml:"message_rate"`
	MessageBurst  int     `toml:"message_burst"`
	MaxFrameBytes int     `toml:"max_frame_bytes"`
}

type CredentialsSection struct {
	// Empty keeps credentials in memory for the life of the process
	DatabasePath string `toml:"database_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  &defaults.TCPPort,
			HTTPPort: defaults.HTTPPort,
			Workers:  defaults.Workers,
		},
		History: HistorySection{
			Capacity:       defaults.HistoryCapacity,
			EvictBatch:     defaults.HistoryEvictBatch,
			ReplayOnLogin:  defaults.ReplayOnLogin,
			DefaultHistory: defaults.DefaultHistory,
		},
		Limits: LimitsSection{
			MessageRate:   defaults.MessageRate,
			MessageBurst:  defaults.MessageBurst,
			MaxFrameBytes: int(defaults.MaxFrameBytes),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still runs with defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Relay Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults, except an explicitly set tcp_port.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != nil {
		cfg.TCPPort = *c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.Workers > 0 {
		cfg.Workers = c.Server.Workers
	}

	if c.History.Capacity > 0 {
		cfg.HistoryCapacity = c.History.Capacity
	}
	if c.History.EvictBatch > 0 {
		cfg.HistoryEvictBatch = c.History.EvictBatch
	}
	if c.History.ReplayOnLogin > 0 {
		cfg.ReplayOnLogin = c.History.ReplayOnLogin
	}
	if c.History.DefaultHistory > 0 {
		cfg.DefaultHistory = c.History.DefaultHistory
	}

	if c.Limits.MessageRate > 0 {
		cfg.MessageRate = c.Limits.MessageRate
	}
	if c.Limits.MessageBurst > 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}
	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = uint32(c.Limits.MaxFrameBytes)
	}

	return cfg
}

// GetDatabasePath returns the credential database path with ~ expanded.
// An empty result means credentials are kept in memory.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	if strings.TrimSpace(c.Credentials.DatabasePath) == "" {
		return "", nil
	}
	return expandHome(c.Credentials.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
