package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/helpdesk-io/ticketsync"
	"github.com/spf13/cobra"
)

var (
	presenceWatch bool
	presenceRole  string
	presenceJSON  bool
)

func init() {
	presenceCmd.Flags().BoolVarP(&presenceWatch, "watch", "w", false, "Keep running and print users as they come and go")
	presenceCmd.Flags().StringVar(&presenceRole, "role", "", "Only show users with this role")
	presenceCmd.Flags().BoolVar(&presenceJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show who is online",
	Long:  "Join the presence room and print the roster of connected users. Requires a privileged role.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		snapshot := make(chan struct{}, 1)
		s.client.Roster.OnChange(func(c ticketsync.RosterChange) {
			switch {
			case c.Snapshot:
				select {
				case snapshot <- struct{}{}:
				default:
				}
			case !presenceWatch:
			case c.Online != nil:
				if presenceRole == "" || c.Online.Role == presenceRole {
					fmt.Printf("+ %s (%s) online\n", c.Online.UserID, c.Online.Role)
				}
			case c.Offline != "":
				fmt.Printf("- %s offline\n", c.Offline)
			}
		})

		if err := s.connect(ctx); err != nil {
			return err
		}
		if err := s.client.WatchPresence(); err != nil {
			return err
		}

		wait, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		select {
		case <-snapshot:
		case <-wait.Done():
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "! no presence snapshot received")
		}

		if err := printRoster(s.client.Roster); err != nil {
			return err
		}
		if !presenceWatch {
			return nil
		}
		<-ctx.Done()
		return nil
	},
}

func printRoster(roster *ticketsync.Roster) error {
	users := roster.All()
	if presenceRole != "" {
		users = roster.OnlineByRole(presenceRole)
	}
	if presenceJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(users)
	}
	if len(users) == 0 {
		fmt.Println("No users online.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tROLE\tCOMPANY\tONLINE SINCE\tLAST ACTIVE")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			u.UserID,
			valueOrDefault(u.Role, "-"),
			valueOrDefault(u.Company, "-"),
			humanize.Time(u.ConnectedAt),
			humanize.Time(u.LastActivityAt),
		)
	}
	return tw.Flush()
}
