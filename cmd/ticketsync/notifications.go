package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/helpdesk-io/ticketsync"
	"github.com/spf13/cobra"
)

var (
	notificationsUnread bool
	notificationsJSON   bool
)

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output JSON")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsWatchCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "List notifications and manage read state",
}

// ============================================================================
// notifications list
// ============================================================================

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the notification feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.client.LoadNotifications(cmd.Context(), s.history); err != nil {
			return err
		}
		items := s.client.Notifications.All()
		if notificationsUnread {
			items = s.client.Notifications.Unread()
		}
		return printNotifications(s.ledger, items)
	},
}

// ============================================================================
// notifications read
// ============================================================================

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notificationId>",
	Short: "Mark a notification read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		// Best effort: the mark is recorded locally either way.
		if err := s.connect(cmd.Context()); err != nil {
			s.logger.Info("marking read offline", "error", err)
		}
		if err := s.client.MarkRead(args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s read\n", args[0])
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification read",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.client.LoadNotifications(cmd.Context(), s.history); err != nil {
			return err
		}
		if err := s.connect(cmd.Context()); err != nil {
			s.logger.Info("marking read offline", "error", err)
		}
		n, err := s.client.MarkAllRead()
		if err != nil {
			return err
		}
		fmt.Printf("Marked %d notification(s) read\n", n)
		return nil
	},
}

// ============================================================================
// notifications watch
// ============================================================================

var notificationsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := s.client.Notifications
		store.OnChange(func(c ticketsync.NotificationChange) {
			if c.Added != nil {
				fmt.Printf("* %s  %s  (%d unread)\n", c.Added.ID, c.Added.AccessCode, len(store.Unread()))
			}
		})

		// Marks written by another ticketsync process show up here too.
		if fs, ok := s.kv.(*ticketsync.FileStore); ok {
			go func() {
				err := fs.Watch(ctx, s.ledger.Namespace(), func() {
					if err := s.ledger.Reload(); err != nil {
						s.logger.Warn("ledger reload failed", "error", err)
						return
					}
					fmt.Printf("* read state changed (%d unread)\n", len(store.Unread()))
				})
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("ledger watch stopped", "error", err)
				}
			}()
		}

		if _, err := s.client.LoadNotifications(ctx, s.history); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		if err := s.connect(ctx); err != nil {
			return err
		}
		if err := s.client.WatchNotifications(); err != nil {
			return err
		}
		fmt.Printf("Watching notifications for %s (%d unread). Ctrl-C to stop.\n", s.identity.UserID, len(store.Unread()))
		<-ctx.Done()
		return nil
	},
}

func printNotifications(ledger *ticketsync.Ledger, items []ticketsync.Notification) error {
	if notificationsJSON {
		type row struct {
			ticketsync.Notification
			Read bool `json:"read"`
		}
		rows := make([]row, 0, len(items))
		for _, n := range items {
			rows = append(rows, row{Notification: n, Read: ledger.IsRead(n.ID)})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(items) == 0 {
		fmt.Println("No notifications.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACCESS CODE\tCREATED\tSTATUS")
	for _, n := range items {
		status := "unread"
		if at, ok := ledger.ReadAt(n.ID); ok {
			status = "read " + humanize.Time(at)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.AccessCode, humanize.Time(n.CreatedAt), status)
	}
	return tw.Flush()
}
