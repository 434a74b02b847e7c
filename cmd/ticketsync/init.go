package main

import (
	"fmt"

	"github.com/helpdesk-io/ticketsync"
	"github.com/spf13/cobra"
)

var initServerURL string

func init() {
	initCmd.Flags().StringVar(&initServerURL, "url", "", "Backend base URL (e.g. https://helpdesk.example.com)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.ticketsync/config.toml",
	Long:  "Initialize the CLI by storing your access token. The user id, email and role are read from the token claims.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		identity, err := ticketsync.IdentityFromToken(token)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{
			Token:  token,
			UserID: identity.UserID,
			Email:  identity.Email,
			Role:   identity.Role,
		}
		if initServerURL != "" {
			cfg.Server.URL = initServerURL
		}
		if cfg.Ledger.Backend == "" {
			cfg.Ledger.Backend = "file"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s (%s) saved to %s\n", identity.UserID, valueOrDefault(identity.Role, "no role"), path)
		return nil
	},
}
