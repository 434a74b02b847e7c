package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/helpdesk-io/ticketsync"
	"github.com/spf13/cobra"
)

var (
	chatAttach    string
	chatNoHistory bool
	chatEcho      bool
)

func init() {
	chatCmd.Flags().StringVar(&chatAttach, "attach", "", "Upload a file to the ticket after joining")
	chatCmd.Flags().BoolVar(&chatNoHistory, "no-history", false, "Skip loading earlier messages")
	chatCmd.Flags().BoolVar(&chatEcho, "echo", false, "Show sent messages before the server confirms them")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <ticketId>",
	Short: "Follow a ticket chat and send messages",
	Long: "Join a ticket's chat room, print its messages as they arrive and send every line read from stdin.\n" +
		"A line of the form '/attach <path>' uploads a file instead.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ticketID := args[0]

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s.client.Messages.OnChange(func(c ticketsync.MessageChange) {
			if c.Added != nil && c.Added.TicketID == ticketID {
				printMessage(*c.Added)
			}
		})
		s.client.Uploads.OnChange(func(u ticketsync.Upload) {
			if u.Status != ticketsync.UploadPending {
				fmt.Printf("* upload %s: %s\n", u.Filename, u.Status)
			}
		})
		s.client.OnStateChange(func(ev ticketsync.StateEvent) {
			if ev.NewState == ticketsync.StateReconnecting || ev.OldState == ticketsync.StateReconnecting {
				fmt.Fprintf(os.Stderr, "* %s\n", ev.NewState.Status())
			}
		})

		if !chatNoHistory {
			if _, err := s.client.LoadHistory(ctx, s.history, ticketID); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
		if err := s.connect(ctx); err != nil {
			return err
		}
		if err := s.client.OpenTicket(ticketID); err != nil {
			return err
		}
		if chatAttach != "" {
			if err := uploadFile(s.client, ticketID, chatAttach); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// Leave time for the last sends to reach the server.
					time.Sleep(500 * time.Millisecond)
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if path, ok := strings.CutPrefix(line, "/attach "); ok {
					err = uploadFile(s.client, ticketID, strings.TrimSpace(path))
				} else {
					err = s.client.SendMessage(ticketID, line)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
			}
		}
	},
}

func uploadFile(client *ticketsync.Client, ticketID, path string) error {
	att, err := ticketsync.AttachmentFromFile(path)
	if err != nil {
		return err
	}
	id, err := client.UploadMedia(ticketID, att)
	if err != nil {
		return err
	}
	fmt.Printf("* uploading %s (%s, %d bytes) as %s\n", att.Filename, att.MimeType, len(att.Data), id)
	return nil
}

func printMessage(m ticketsync.Message) {
	sender := m.SenderID
	if m.SenderRole != "" {
		sender += " (" + m.SenderRole + ")"
	}
	ts := m.Timestamp.Local().Format("15:04:05")
	if m.Media != nil {
		fmt.Printf("[%s] %s: [%s %s] %s\n", ts, sender, m.Media.Kind, m.Media.Filename, m.Text)
		return
	}
	fmt.Printf("[%s] %s: %s\n", ts, sender, m.Text)
}
