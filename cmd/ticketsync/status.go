package main

import (
	"context"
	"fmt"

	"github.com/helpdesk-io/ticketsync"
	"github.com/spf13/cobra"
)

var statusProbe bool

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", true, "Open a connection to check that the token is accepted")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, the local read-state ledger, and try a live connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Server URL:  %s\n", valueOrDefault(cfg.Server.URL, "(not set)"))
		if cfg.Server.APIURL != "" {
			fmt.Printf("  API URL:     %s\n", cfg.Server.APIURL)
		}
		fmt.Printf("  Ledger:      %s\n", valueOrDefault(cfg.Ledger.Backend, "file"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
			fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
			fmt.Printf("  Email:       %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
			fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Auth.Role, "(unknown)"))
		} else {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		if cfg.Server.URL == "" {
			return nil
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Println()
		fmt.Println("Read state:")
		fmt.Printf("  Marks:       %d\n", len(s.ledger.Marks()))

		if !statusProbe {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")
		if err := s.connect(context.Background()); err != nil {
			fmt.Printf("  Connection:  %s (%v)\n", ticketsync.StatusFailed, err)
			return nil
		}
		fmt.Printf("  Connection:  %s\n", s.client.Connection().Status())
		return nil
	},
}
