package ticketsync

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	cfg := testConfig(tr)
	cfg.Now = func() time.Time { return t0 }
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, tr
}

// openTicket connects and joins ticket, acknowledging the join.
func openTicket(t *testing.T, c *Client, tr *fakeTransport, ticket string) *fakeLink {
	t.Helper()
	link := connected(t, c.Connection(), tr)
	require.NoError(t, c.OpenTicket(ticket))
	joinAck(t, link)
	waitState(t, c.Connection(), StateJoined)
	return link
}

// ============================================================================
// Client
// ============================================================================

func TestNewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestClientMessages(t *testing.T) {
	t.Run("events for rooms not joined are dropped", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		link := connected(t, c.Connection(), tr)
		require.NoError(t, c.OpenTicket("T-1"))
		link.expect(t, EventJoinRoom, nil)

		link.push(t, EventMessage, chatMessage("early", "T-1", "too soon", t0))
		link.push(t, EventRoomJoined, map[string]string{"roomId": "T-1"})
		link.push(t, EventMessage, chatMessage("m1", "T-1", "hello", t0.Add(time.Minute)))
		link.push(t, EventMessage, chatMessage("other", "T-2", "not mine", t0.Add(time.Minute)))
		link.push(t, EventMessage, chatMessage("m2", "T-1", "again", t0.Add(2*time.Minute)))

		require.Eventually(t, func() bool {
			_, ok := c.Messages.ByID("m2")
			return ok
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, 2, c.Messages.Len())
		_, ok := c.Messages.ByID("early")
		assert.False(t, ok)
	})

	t.Run("events after reconnect wait for the rejoin", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		link := openTicket(t, c, tr, "T-1")

		link.drop()
		link = tr.next(t)
		link.expect(t, EventAuthenticate, nil)
		link.expect(t, EventJoinRoom, nil)
		link.push(t, EventMessage, chatMessage("lost", "T-1", "during rejoin", t0))
		link.push(t, EventRoomJoined, map[string]string{"roomId": "T-1"})
		link.push(t, EventMessage, chatMessage("kept", "T-1", "after rejoin", t0.Add(time.Minute)))

		require.Eventually(t, func() bool {
			_, ok := c.Messages.ByID("kept")
			return ok
		}, waitFor, 5*time.Millisecond)
		_, ok := c.Messages.ByID("lost")
		assert.False(t, ok)
	})

	t.Run("send while idle fails and emits nothing", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		err := c.SendMessage("T-1", "hi")
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.ErrorIs(t, c.SendMessage("T-1", ""), ErrSendFailed)
	})

	t.Run("send carries sender and client id", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		link := openTicket(t, c, tr, "T-1")
		require.NoError(t, c.SendMessage("T-1", "hello"))

		var p sendMessagePayload
		link.expect(t, EventSendMessage, &p)
		assert.Equal(t, "T-1", p.RoomID)
		assert.Equal(t, "hello", p.Text)
		assert.Equal(t, testIdentity.UserID, p.SenderID)
		assert.NotEmpty(t, p.ClientID)
		assert.Zero(t, c.Messages.Len(), "no local echo by default")
	})

	t.Run("local echo absorbs the server echo", func(t *testing.T) {
		c, tr := newTestClient(t, func(cfg *Config) { cfg.LocalEcho = true })
		link := openTicket(t, c, tr, "T-1")

		require.NoError(t, c.SendMessage("T-1", "hello"))
		all := c.Messages.All()
		require.Len(t, all, 1)
		assert.Contains(t, all[0].ID, localEchoPrefix)
		link.expect(t, EventSendMessage, nil)

		echo := chatMessage("srv-1", "T-1", "hello", t0.Add(200*time.Millisecond))
		echo["senderId"] = testIdentity.UserID
		link.push(t, EventMessage, echo)
		link.push(t, EventMessage, chatMessage("srv-2", "T-1", "next", t0.Add(time.Minute)))
		require.Eventually(t, func() bool {
			_, ok := c.Messages.ByID("srv-2")
			return ok
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, 2, c.Messages.Len())
	})

	t.Run("close ticket clears its messages", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		link := openTicket(t, c, tr, "T-1")
		link.push(t, EventMessage, chatMessage("m1", "T-1", "hello", t0))
		require.Eventually(t, func() bool { return c.Messages.Len() == 1 }, waitFor, 5*time.Millisecond)

		require.NoError(t, c.CloseTicket("T-1"))
		link.expect(t, EventLeaveRoom, nil)
		assert.Zero(t, c.Messages.Len())
	})

	t.Run("observers run off the loop", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		got := make(chan Message, 1)
		c.Messages.OnChange(func(ch MessageChange) {
			// Calling back into the client must not deadlock.
			_ = c.Rooms().Memberships()
			if ch.Added != nil {
				got <- *ch.Added
			}
		})
		link := openTicket(t, c, tr, "T-1")
		link.push(t, EventMessage, chatMessage("m1", "T-1", "hello", t0))
		select {
		case m := <-got:
			assert.Equal(t, "m1", m.ID)
		case <-time.After(waitFor):
			t.Fatal("observer not called")
		}
	})
}

func TestClientUploadMedia(t *testing.T) {
	c, tr := newTestClient(t, nil)
	link := openTicket(t, c, tr, "T-1")

	att, err := NewAttachment("notes.txt", []byte("hello attachment"))
	require.NoError(t, err)
	id, err := c.UploadMedia("T-1", att)
	require.NoError(t, err)

	var p uploadMediaPayload
	link.expect(t, EventUploadMedia, &p)
	assert.Equal(t, id, p.UploadID)
	assert.Equal(t, "notes.txt", p.Filename)
	assert.Equal(t, int64(16), p.ByteSize)
	data, err := base64.StdEncoding.DecodeString(p.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(data))

	up, ok := c.Uploads.Get(id)
	require.True(t, ok)
	assert.Equal(t, UploadPending, up.Status)

	link.push(t, EventMediaUploadAck, map[string]string{"uploadId": id, "status": "ok"})
	require.Eventually(t, func() bool {
		up, _ := c.Uploads.Get(id)
		return up.Status == UploadOK
	}, waitFor, 5*time.Millisecond)

	_, err = c.UploadMedia("T-1", Attachment{Filename: "empty.bin"})
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestClientPresenceAndNotifications(t *testing.T) {
	t.Run("presence room", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		link := connected(t, c.Connection(), tr)
		require.NoError(t, c.WatchPresence())
		var req joinRoomPayload
		link.expect(t, EventJoinRoom, &req)
		assert.Equal(t, RoomPresence, req.RoomKind)
		link.push(t, EventRoomJoined, map[string]string{"roomId": PresenceRoomID, "roomKind": "presence"})

		link.push(t, EventPresenceSnapshot, map[string]any{"users": []map[string]string{{"userId": "u1", "role": "agent"}}})
		link.push(t, EventPresenceOnline, map[string]any{"userRecord": map[string]string{"userId": "u2", "role": "admin"}})
		link.push(t, EventPresenceOffline, map[string]string{"userId": "u1"})
		require.Eventually(t, func() bool {
			return c.Roster.IsOnline("u2") && !c.Roster.IsOnline("u1")
		}, waitFor, 5*time.Millisecond)
	})

	t.Run("snapshot after presence rejoin is authoritative", func(t *testing.T) {
		c, tr := newTestClient(t, nil)
		link := connected(t, c.Connection(), tr)
		require.NoError(t, c.WatchPresence())
		joinAck(t, link)
		link.push(t, EventPresenceOnline, map[string]any{"userRecord": map[string]string{"userId": "u1", "role": "agent"}})
		require.Eventually(t, func() bool { return c.Roster.IsOnline("u1") }, waitFor, 5*time.Millisecond)

		// u1's offline event is lost with the link.
		link.drop()
		link = tr.next(t)
		link.expect(t, EventAuthenticate, nil)
		link.expect(t, EventJoinRoom, nil)
		link.push(t, EventRoomJoined, map[string]string{"roomId": PresenceRoomID})
		link.push(t, EventPresenceSnapshot, map[string]any{"users": []map[string]string{{"userId": "u2", "role": "admin"}}})

		require.Eventually(t, func() bool {
			return c.Roster.IsOnline("u2") && !c.Roster.IsOnline("u1")
		}, waitFor, 5*time.Millisecond)
	})

	t.Run("watch notifications needs an identity", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		assert.ErrorIs(t, c.WatchNotifications(), ErrNotConnected)
	})

	t.Run("mark read is local first and mirrored", func(t *testing.T) {
		ledger, err := OpenLedger(NewMemoryKV())
		require.NoError(t, err)
		c, tr := newTestClient(t, func(cfg *Config) { cfg.Ledger = ledger })
		link := connected(t, c.Connection(), tr)
		require.NoError(t, c.WatchNotifications())

		var req joinRoomPayload
		link.expect(t, EventJoinRoom, &req)
		assert.Equal(t, RoomNotification, req.RoomKind)
		assert.Equal(t, testIdentity.UserID, req.RoomID)
		link.push(t, EventRoomJoined, map[string]string{"roomId": req.RoomID, "roomKind": "notification"})
		link.push(t, EventNotification, map[string]string{"id": "n1", "accessCode": "T-1"})
		link.push(t, EventNotification, map[string]string{"id": "n2", "accessCode": "T-2"})
		require.Eventually(t, func() bool { return c.Notifications.Len() == 2 }, waitFor, 5*time.Millisecond)

		require.NoError(t, c.MarkRead("n1"))
		assert.True(t, ledger.IsRead("n1"))
		var mr markReadPayload
		link.expect(t, EventMarkRead, &mr)
		assert.Equal(t, "n1", mr.NotificationID)

		n, err := c.MarkAllRead()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.False(t, c.Notifications.HasUnread())
	})

	t.Run("mark read offline still persists", func(t *testing.T) {
		ledger, err := OpenLedger(NewMemoryKV())
		require.NoError(t, err)
		c, _ := newTestClient(t, func(cfg *Config) { cfg.Ledger = ledger })
		require.NoError(t, c.MarkRead("n1"))
		assert.True(t, ledger.IsRead("n1"))
	})

	t.Run("no ledger", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		assert.ErrorIs(t, c.MarkRead("n1"), ErrNoLedger)
		_, err := c.MarkAllRead()
		assert.ErrorIs(t, err, ErrNoLedger)
	})
}

func TestClientLoadHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tickets/T-1/messages":
			w.Write([]byte(`{"ok":true,"data":[
				{"id":"m1","ticketId":"T-1","text":"hi","senderId":"u1","timestamp":"2026-03-01T09:00:00Z"},
				{"id":"m2","ticketId":"T-1","text":"hi","senderId":"u1","timestamp":"2026-03-01T09:00:00.400Z"}]}`))
		case "/api/notifications":
			w.Write([]byte(`{"ok":true,"data":[{"id":"n1","accessCode":"T-1"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, tr := newTestClient(t, nil)
	h := NewHistoryClient("tok", WithBaseURL(srv.URL))

	n, err := c.LoadHistory(context.Background(), h, "T-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "near-duplicate in history is dropped")

	// A pushed redelivery of a fetched message is a duplicate.
	link := openTicket(t, c, tr, "T-1")
	link.push(t, EventMessage, chatMessage("m1", "T-1", "hi", t0))
	link.push(t, EventMessage, chatMessage("m3", "T-1", "new", t0.Add(time.Minute)))
	require.Eventually(t, func() bool {
		_, ok := c.Messages.ByID("m3")
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, c.Messages.Len())

	n, err = c.LoadNotifications(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
