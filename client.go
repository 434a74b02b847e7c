// Package ticketsync keeps a local view of a helpdesk backend consistent
// over an unreliable duplex connection: ticket chat messages with
// attachments, the presence roster of connected users, and a personal
// notification feed with locally persisted read state.
//
// Example:
//
//	ledger, _ := ticketsync.OpenLedger(ticketsync.NewMemoryKV())
//	client, _ := ticketsync.NewClient(ticketsync.Config{
//		Transport: &ticketsync.WebSocketTransport{URL: "wss://helpdesk.example/ws", Token: token},
//		Ledger:    ledger,
//	})
//	defer client.Close()
//
//	client.Messages.OnChange(func(c ticketsync.MessageChange) { ... })
//	client.Connect(ticketsync.Identity{UserID: "u-1", Email: "a@example.com", Role: "agent"})
//	client.OpenTicket("T-42")
//	client.SendMessage("T-42", "Hello!")
package ticketsync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoLedger is returned by read-state operations on a Client configured
// without a Ledger.
var ErrNoLedger = errors.New("ticketsync: no read ledger configured")

// localEchoPrefix marks ids of locally echoed messages.
const localEchoPrefix = "local-"

// ============================================================================
// Client
// ============================================================================

// Client is one feature session: a Connection, its room memberships, a
// Reconciler and the stores it feeds.
type Client struct {
	Messages      *MessageStore
	Roster        *Roster
	Notifications *NotificationStore
	Uploads       *Uploads

	conn       *Connection
	reconciler *Reconciler
	ledger     *Ledger
	localEcho  bool
}

// NewClient wires a session. cfg.Transport is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("ticketsync: Config.Transport is required")
	}
	cfg.defaults()

	c := &Client{
		Messages:      NewMessageStore(cfg.DedupWindow),
		Roster:        NewRoster(),
		Notifications: NewNotificationStore(cfg.Ledger),
		Uploads:       NewUploads(),
		ledger:        cfg.Ledger,
		localEcho:     cfg.LocalEcho,
	}
	c.reconciler = NewReconciler(c.Messages, c.Roster, c.Notifications, c.Uploads).
		WithLogger(cfg.Logger).
		WithMetrics(cfg.Metrics).
		WithClock(cfg.Now)

	c.conn = NewConnection(cfg)
	c.Messages.changes.attach(c.conn.notify)
	c.Roster.changes.attach(c.conn.notify)
	c.Notifications.changes.attach(c.conn.notify)
	c.Uploads.changes.attach(c.conn.notify)

	if err := c.conn.exec(func() {
		c.conn.setHandler(func(ev Event) { c.reconciler.Apply(ev) })
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Connection returns the underlying connection.
func (c *Client) Connection() *Connection { return c.conn }

// Rooms returns the membership controller.
func (c *Client) Rooms() *Rooms { return c.conn.Rooms() }

// Reconciler returns the reconciler feeding the stores.
func (c *Client) Reconciler() *Reconciler { return c.reconciler }

// Ledger returns the read-state ledger, or nil.
func (c *Client) Ledger() *Ledger { return c.ledger }

// Connect authenticates as identity. See Connection.Connect.
func (c *Client) Connect(identity Identity) error { return c.conn.Connect(identity) }

// Disconnect drops the connection and every membership.
func (c *Client) Disconnect() error { return c.conn.Disconnect() }

// OnStateChange registers a callback for connection transitions.
func (c *Client) OnStateChange(fn func(StateEvent)) { c.conn.OnStateChange(fn) }

// OnError registers a callback for surfaced failures.
func (c *Client) OnError(fn func(error)) { c.conn.OnError(fn) }

// ============================================================================
// Rooms
// ============================================================================

// OpenTicket joins the chat room of a ticket.
func (c *Client) OpenTicket(ticketID string) error {
	return c.conn.Rooms().Join(RoomChat, ticketID, nil)
}

// CloseTicket leaves the chat room of a ticket and drops its messages.
func (c *Client) CloseTicket(ticketID string) error {
	if err := c.conn.Rooms().Leave(RoomChat, ticketID); err != nil {
		return err
	}
	c.Messages.Clear(ticketID)
	return nil
}

// WatchPresence joins the global presence room.
func (c *Client) WatchPresence() error {
	return c.conn.Rooms().Join(RoomPresence, PresenceRoomID, nil)
}

// WatchNotifications joins the caller's personal notification room. The
// room id is the user id of the identity given to Connect.
func (c *Client) WatchNotifications() error {
	var userID string
	if err := c.conn.exec(func() { userID = c.conn.identity.UserID }); err != nil {
		return err
	}
	if userID == "" {
		return &Error{Kind: KindNotConnected, Op: EventJoinRoom, Err: errors.New("no identity; call Connect first")}
	}
	return c.conn.Rooms().Join(RoomNotification, userID, nil)
}

// ============================================================================
// Outbound
// ============================================================================

// SendMessage sends a text message to a ticket. It fails synchronously
// with ErrSendFailed unless the connection is up. With Config.LocalEcho
// the message is stored immediately under a local id.
func (c *Client) SendMessage(ticketID, text string) error {
	if ticketID == "" {
		return sendFailed(EventSendMessage, errors.New("ticket id is required"))
	}
	if text == "" {
		return sendFailed(EventSendMessage, errEmptyMessage)
	}
	clientID := uuid.NewString()

	var err error
	if e := c.conn.exec(func() {
		id := c.conn.identity
		err = c.conn.send(EventSendMessage, sendMessagePayload{
			RoomID:   ticketID,
			Text:     text,
			SenderID: id.UserID,
			ClientID: clientID,
		})
		if err != nil || !c.localEcho {
			return
		}
		c.reconciler.Apply(MessageReceived{Message: Message{
			ID:         localEchoPrefix + clientID,
			TicketID:   ticketID,
			Text:       text,
			SenderID:   id.UserID,
			SenderRole: id.Role,
			Timestamp:  c.conn.cfg.Now().UTC(),
		}})
	}); e != nil {
		return sendFailed(EventSendMessage, e)
	}
	return err
}

// UploadMedia sends an attachment to a ticket and returns its upload id.
// The upload stays pending in Uploads until the server acknowledges it.
func (c *Client) UploadMedia(ticketID string, att Attachment) (string, error) {
	if ticketID == "" {
		return "", sendFailed(EventUploadMedia, errors.New("ticket id is required"))
	}
	if att.Filename == "" || len(att.Data) == 0 {
		return "", sendFailed(EventUploadMedia, errors.New("attachment has no content"))
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(att.Filename)
	}
	uploadID := uuid.NewString()

	var err error
	if e := c.conn.exec(func() {
		err = c.conn.send(EventUploadMedia, uploadMediaPayload{
			RoomID:   ticketID,
			UploadID: uploadID,
			Filename: att.Filename,
			MimeType: mimeType,
			ByteSize: int64(len(att.Data)),
			Payload:  base64.StdEncoding.EncodeToString(att.Data),
			SenderID: c.conn.identity.UserID,
		})
		if err != nil {
			return
		}
		// Tracked on the loop so a fast ack always finds the entry.
		c.Uploads.track(Upload{
			ID:        uploadID,
			TicketID:  ticketID,
			Filename:  att.Filename,
			MimeType:  mimeType,
			ByteSize:  int64(len(att.Data)),
			Status:    UploadPending,
			StartedAt: c.conn.cfg.Now().UTC(),
		})
	}); e != nil {
		return "", sendFailed(EventUploadMedia, e)
	}
	if err != nil {
		return "", err
	}
	return uploadID, nil
}

// ============================================================================
// Read state
// ============================================================================

// MarkRead records a notification as read. The ledger write completes
// before the call returns; the server mirror is best effort and its
// failure never undoes the local mark.
func (c *Client) MarkRead(notificationID string) error {
	if c.ledger == nil {
		return ErrNoLedger
	}
	changed, err := c.ledger.MarkRead(notificationID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	c.Notifications.markedRead(notificationID)
	c.mirrorRead(notificationID)
	return nil
}

// MarkAllRead marks every stored notification read in one ledger write
// and returns how many were newly marked.
func (c *Client) MarkAllRead() (int, error) {
	if c.ledger == nil {
		return 0, ErrNoLedger
	}
	unread := c.Notifications.Unread()
	n, err := c.ledger.ClearAll(unread)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(unread))
	for _, item := range unread {
		ids = append(ids, item.ID)
	}
	c.Notifications.markedRead(ids...)
	for _, id := range ids {
		c.mirrorRead(id)
	}
	return n, nil
}

func (c *Client) mirrorRead(id string) {
	_ = c.conn.exec(func() {
		if !c.conn.current.IsConnected() {
			return
		}
		if err := c.conn.emit(EventMarkRead, markReadPayload{NotificationID: id}); err != nil {
			c.conn.logger.Debug("mark-read not mirrored", "notification", id, "error", err)
		}
	})
}

// ============================================================================
// History
// ============================================================================

// LoadHistory fetches a ticket's prior messages and reconciles them like
// pushed events. It returns how many were new.
func (c *Client) LoadHistory(ctx context.Context, h *HistoryClient, ticketID string) (int, error) {
	msgs, err := h.Messages(ctx, ticketID, nil)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	var n int
	if err := c.conn.exec(func() { n = c.reconciler.ApplyMessages(msgs) }); err != nil {
		return 0, err
	}
	return n, nil
}

// LoadNotifications fetches the notification feed and reconciles it.
func (c *Client) LoadNotifications(ctx context.Context, h *HistoryClient) (int, error) {
	items, err := h.Notifications(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("load notifications: %w", err)
	}
	var n int
	if err := c.conn.exec(func() { n = c.reconciler.ApplyNotifications(items) }); err != nil {
		return 0, err
	}
	return n, nil
}

// Close disconnects and stops the session. Pending observer callbacks are
// delivered before Close returns, unless Close is called while a callback
// is running (for example from inside one); then they are delivered after.
func (c *Client) Close() error {
	return c.conn.Close()
}
