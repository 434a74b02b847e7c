package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.ticketsync/config.toml.
type Config struct {
	Server   ConfigServer   `toml:"server"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
	Ledger   ConfigLedger   `toml:"ledger"`
}

// ConfigServer holds the backend endpoints.
type ConfigServer struct {
	URL    string `toml:"url"`
	APIURL string `toml:"api_url"`
}

// ConfigAuth holds the access token and the identity read from it.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
	Role   string `toml:"role"`
}

// ConfigRealtime tunes the connection. Durations use Go syntax ("30s").
type ConfigRealtime struct {
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	ReconnectDelay       string `toml:"reconnect_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// ConfigLedger selects where read-state is kept.
type ConfigLedger struct {
	Backend string `toml:"backend"` // file | sqlite
	Path    string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.ticketsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ticketsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		case "api_url":
			cfg.Server.APIURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		case "role":
			cfg.Auth.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "heartbeat_interval", "reconnect_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if field == "heartbeat_interval" {
				cfg.Realtime.HeartbeatInterval = value
			} else {
				cfg.Realtime.ReconnectDelay = value
			}
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("%s must be a non-negative integer", key)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "ledger":
		switch field {
		case "backend":
			if value != "file" && value != "sqlite" {
				return fmt.Errorf("ledger.backend must be file or sqlite")
			}
			cfg.Ledger.Backend = value
		case "path":
			cfg.Ledger.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [ledger]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, realtime, ledger)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	metricsAddr string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "ticketsync",
	Short: "Helpdesk realtime sync CLI",
	Long:  "Command-line client for the helpdesk realtime backend.\nFollow ticket chats, watch presence and manage notifications.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
