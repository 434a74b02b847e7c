package main

import (
	"fmt"
	"os"

	"github.com/helpdesk-io/ticketsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without defaults")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ticketsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.ticketsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration the other commands run with: unset realtime\n" +
		"and ledger values show their defaults and the token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printRawConfig()
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eff, err := effectiveConfig(cfg)
		if err != nil {
			return err
		}
		data, err := toml.Marshal(eff)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: ticketsync config set realtime.reconnect_delay 2s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if _, err := effectiveConfig(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

// effectiveConfig returns cfg as a session would use it: realtime values
// resolved against the library defaults, the ledger location filled in,
// the api url falling back to the server url and the token masked.
func effectiveConfig(cfg *Config) (*Config, error) {
	eff := *cfg

	rt, err := realtimeConfig(cfg.Realtime)
	if err != nil {
		return nil, err
	}
	if rt.HeartbeatInterval <= 0 {
		rt.HeartbeatInterval = ticketsync.DefaultHeartbeatInterval
	}
	if rt.ReconnectDelay <= 0 {
		rt.ReconnectDelay = ticketsync.DefaultReconnectDelay
	}
	if rt.MaxReconnectAttempts <= 0 {
		rt.MaxReconnectAttempts = ticketsync.DefaultMaxReconnectAttempts
	}
	eff.Realtime = ConfigRealtime{
		HeartbeatInterval:    rt.HeartbeatInterval.String(),
		ReconnectDelay:       rt.ReconnectDelay.String(),
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
	}

	eff.Ledger.Backend, eff.Ledger.Path, err = ledgerLocation(cfg)
	if err != nil {
		return nil, err
	}
	eff.Server.APIURL = valueOrDefault(cfg.Server.APIURL, cfg.Server.URL)
	if cfg.Auth.Token != "" {
		eff.Auth.Token = maskKey(cfg.Auth.Token)
	}
	return &eff, nil
}

func printRawConfig() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'ticketsync init <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
