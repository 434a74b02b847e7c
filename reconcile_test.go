package ticketsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestReconciler() *Reconciler {
	return NewReconciler(NewMessageStore(0), NewRoster(), NewNotificationStore(nil), NewUploads()).
		WithClock(func() time.Time { return t0 })
}

func msg(id, text string, ts time.Time) Message {
	return Message{ID: id, TicketID: "T-1", Text: text, SenderID: "u1", SenderRole: "customer", Timestamp: ts}
}

// ============================================================================
// Messages
// ============================================================================

func TestReconcileMessages(t *testing.T) {
	t.Run("same id delivered many times is stored once", func(t *testing.T) {
		r := newTestReconciler()
		m := msg("m1", "hello", t0)
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: m}))
		for i := 0; i < 5; i++ {
			assert.Equal(t, Duplicate, r.Apply(MessageReceived{Message: m}))
		}
		assert.Equal(t, 1, r.Messages.Len())
	})

	t.Run("identical content within the window is dropped", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(MessageReceived{Message: msg("m1", "hi", t0)})
		assert.Equal(t, Duplicate, r.Apply(MessageReceived{Message: msg("m2", "hi", t0.Add(500*time.Millisecond))}))
		assert.Equal(t, 1, r.Messages.Len())
	})

	t.Run("window is exclusive at 1000ms", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(MessageReceived{Message: msg("m1", "hi", t0)})
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: msg("m2", "hi", t0.Add(time.Second))}))
		assert.Equal(t, 2, r.Messages.Len())
	})

	t.Run("window applies in both directions", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(MessageReceived{Message: msg("m1", "hi", t0)})
		assert.Equal(t, Duplicate, r.Apply(MessageReceived{Message: msg("m2", "hi", t0.Add(-300*time.Millisecond))}))
	})

	t.Run("different media filename is not a duplicate", func(t *testing.T) {
		r := newTestReconciler()
		a := msg("m1", "", t0)
		a.Media = &Media{Kind: MediaImage, Filename: "a.png"}
		b := msg("m2", "", t0)
		b.Media = &Media{Kind: MediaImage, Filename: "b.png"}
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: a}))
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: b}))
	})

	t.Run("different ticket is not a duplicate", func(t *testing.T) {
		r := newTestReconciler()
		a := msg("m1", "hi", t0)
		b := msg("m2", "hi", t0)
		b.TicketID = "T-2"
		r.Apply(MessageReceived{Message: a})
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: b}))
		assert.Len(t, r.Messages.ByTicket("T-2"), 1)
	})

	t.Run("missing timestamps match by id only", func(t *testing.T) {
		r := newTestReconciler()
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: msg("m1", "ok", time.Time{})}))
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: msg("m2", "ok", time.Time{})}))
		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: msg("m3", "ok", t0)}))
		assert.Equal(t, Duplicate, r.Apply(MessageReceived{Message: msg("m2", "ok", time.Time{})}))
		assert.Equal(t, 3, r.Messages.Len())
	})

	t.Run("empty text without media is rejected", func(t *testing.T) {
		r := newTestReconciler()
		assert.Equal(t, Rejected, r.Apply(MessageReceived{Message: msg("m1", "", t0)}))
		assert.Zero(t, r.Messages.Len())
	})

	t.Run("delivery order is kept", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(MessageReceived{Message: msg("m2", "second", t0.Add(time.Minute))})
		r.Apply(MessageReceived{Message: msg("m1", "first", t0)})
		all := r.Messages.All()
		require.Len(t, all, 2)
		assert.Equal(t, "m2", all[0].ID)
		assert.Equal(t, "m1", all[1].ID)
	})

	t.Run("history goes through the same rules", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(MessageReceived{Message: msg("m1", "hi", t0)})
		n := r.ApplyMessages([]Message{msg("m1", "hi", t0), msg("m3", "later", t0.Add(time.Hour)), msg("bad", "", t0)})
		assert.Equal(t, 1, n)
		assert.Equal(t, 2, r.Messages.Len())
	})

	t.Run("clear drops one ticket and lets ids back in", func(t *testing.T) {
		r := newTestReconciler()
		a := msg("m1", "hi", t0)
		b := msg("m2", "yo", t0)
		b.TicketID = "T-2"
		r.Apply(MessageReceived{Message: a})
		r.Apply(MessageReceived{Message: b})

		var changes []MessageChange
		r.Messages.OnChange(func(c MessageChange) { changes = append(changes, c) })
		r.Messages.Clear("T-1")
		assert.Equal(t, 1, r.Messages.Len())
		_, ok := r.Messages.ByID("m1")
		assert.False(t, ok)
		require.Len(t, changes, 1)
		assert.Equal(t, "T-1", changes[0].Cleared)

		assert.Equal(t, Applied, r.Apply(MessageReceived{Message: a}))
		got, ok := r.Messages.ByID("m2")
		require.True(t, ok)
		assert.Equal(t, "T-2", got.TicketID)
	})
}

// ============================================================================
// Presence
// ============================================================================

func TestReconcilePresence(t *testing.T) {
	u1 := PresenceRecord{UserID: "u1", Role: "agent", ConnectedAt: t0}

	t.Run("online twice keeps one record", func(t *testing.T) {
		r := newTestReconciler()
		assert.Equal(t, Applied, r.Apply(PresenceOnline{Record: u1}))
		assert.Equal(t, Duplicate, r.Apply(PresenceOnline{Record: u1}))
		assert.Equal(t, 1, r.Roster.Len())
	})

	t.Run("online then offline leaves nothing", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: u1})
		assert.Equal(t, Applied, r.Apply(PresenceOffline{UserID: "u1"}))
		assert.False(t, r.Roster.IsOnline("u1"))
		assert.Equal(t, Duplicate, r.Apply(PresenceOffline{UserID: "u1"}))
	})

	t.Run("stale snapshot does not resurrect", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: u1})
		r.Apply(PresenceOffline{UserID: "u1"})
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{u1, {UserID: "u2", Role: "admin", ConnectedAt: t0}}})
		assert.False(t, r.Roster.IsOnline("u1"))
		assert.True(t, r.Roster.IsOnline("u2"))
	})

	t.Run("snapshot does not drop a user who just came online", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: u1})
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{{UserID: "u2", ConnectedAt: t0}}})
		assert.True(t, r.Roster.IsOnline("u1"))
		assert.True(t, r.Roster.IsOnline("u2"))
	})

	t.Run("provably newer snapshot wins", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOffline{UserID: "u1", At: t0})
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{u1}, AsOf: t0.Add(time.Second)})
		assert.True(t, r.Roster.IsOnline("u1"))
	})

	t.Run("marks outrank only the next snapshot", func(t *testing.T) {
		r := newTestReconciler()
		u2 := PresenceRecord{UserID: "u2", ConnectedAt: t0}
		u3 := PresenceRecord{UserID: "u3", ConnectedAt: t0}
		r.Apply(PresenceOnline{Record: u1})
		r.Apply(PresenceOffline{UserID: "u3"})

		r.Apply(PresenceSnapshot{Users: []PresenceRecord{u2, u3}})
		assert.True(t, r.Roster.IsOnline("u1"))
		assert.False(t, r.Roster.IsOnline("u3"))

		r.Apply(PresenceSnapshot{Users: []PresenceRecord{u2, u3}})
		assert.False(t, r.Roster.IsOnline("u1"))
		assert.True(t, r.Roster.IsOnline("u3"))
	})

	t.Run("presence rejoin clears marks", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: u1})
		assert.Equal(t, Ignored, r.Apply(RoomJoined{RoomID: PresenceRoomID, Kind: RoomPresence}))
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{{UserID: "u2", ConnectedAt: t0}}})
		assert.False(t, r.Roster.IsOnline("u1"))
		assert.True(t, r.Roster.IsOnline("u2"))
	})

	t.Run("chat rejoin keeps marks", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: u1})
		r.Apply(RoomJoined{RoomID: "T-1", Kind: RoomChat})
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{{UserID: "u2", ConnectedAt: t0}}})
		assert.True(t, r.Roster.IsOnline("u1"))
	})

	t.Run("snapshot replaces unmarked users", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{u1}})
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{{UserID: "u3", ConnectedAt: t0}}})
		assert.False(t, r.Roster.IsOnline("u1"))
		assert.True(t, r.Roster.IsOnline("u3"))
	})

	t.Run("timestamps only move forward", func(t *testing.T) {
		r := newTestReconciler()
		later := u1
		later.LastActivityAt = t0.Add(time.Hour)
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{later}})
		r.Apply(PresenceSnapshot{Users: []PresenceRecord{u1}})
		rec, ok := r.Roster.ByID("u1")
		require.True(t, ok)
		assert.Equal(t, t0.Add(time.Hour), rec.LastActivityAt)
	})

	t.Run("missing connectedAt falls back to event time", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: PresenceRecord{UserID: "u9"}, At: t0.Add(time.Minute)})
		rec, _ := r.Roster.ByID("u9")
		assert.Equal(t, t0.Add(time.Minute), rec.ConnectedAt)
		assert.Equal(t, rec.ConnectedAt, rec.LastActivityAt)
	})

	t.Run("derived queries", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(PresenceOnline{Record: u1})
		r.Apply(PresenceOnline{Record: PresenceRecord{UserID: "u2", Role: "customer", ConnectedAt: t0.Add(time.Minute)}})

		agents := r.Roster.OnlineByRole("agent")
		require.Len(t, agents, 1)
		assert.Equal(t, "u1", agents[0].UserID)

		d, ok := r.Roster.OnlineDuration("u1", t0.Add(90*time.Minute))
		require.True(t, ok)
		assert.Equal(t, 90*time.Minute, d)
		_, ok = r.Roster.OnlineDuration("nobody", t0)
		assert.False(t, ok)

		all := r.Roster.All()
		require.Len(t, all, 2)
		assert.Equal(t, "u1", all[0].UserID)

		r.Roster.Clear()
		assert.Zero(t, r.Roster.Len())
	})
}

// ============================================================================
// Notifications and uploads
// ============================================================================

func TestReconcileNotifications(t *testing.T) {
	r := newTestReconciler()
	n1 := Notification{ID: "n1", AccessCode: "T-1", CreatedAt: t0}
	assert.Equal(t, Applied, r.Apply(NotificationPushed{Notification: n1}))
	assert.Equal(t, Duplicate, r.Apply(NotificationPushed{Notification: n1}))
	assert.Equal(t, Rejected, r.Apply(NotificationPushed{Notification: Notification{}}))
	assert.Equal(t, 1, r.ApplyNotifications([]Notification{n1, {ID: "n2", CreatedAt: t0}}))
	assert.Equal(t, 2, r.Notifications.Len())

	// No ledger: everything is unread.
	assert.True(t, r.Notifications.HasUnread())
	assert.Len(t, r.Notifications.Unread(), 2)

	r.Notifications.Clear()
	assert.Zero(t, r.Notifications.Len())
}

func TestReconcileUploadAck(t *testing.T) {
	r := newTestReconciler()
	var seen []Upload
	r.Uploads.OnChange(func(u Upload) { seen = append(seen, u) })

	r.Uploads.track(Upload{ID: "up-1", Filename: "a.png", Status: UploadPending, StartedAt: t0})
	assert.Len(t, r.Uploads.Pending(), 1)

	assert.Equal(t, Applied, r.Apply(MediaUploadAck{UploadID: "up-1", Status: UploadOK}))
	assert.Equal(t, Ignored, r.Apply(MediaUploadAck{UploadID: "up-1", Status: UploadFailed}))
	assert.Equal(t, Ignored, r.Apply(MediaUploadAck{UploadID: "unknown", Status: UploadOK}))

	up, ok := r.Uploads.Get("up-1")
	require.True(t, ok)
	assert.Equal(t, UploadOK, up.Status)
	assert.Equal(t, t0, up.AckedAt)
	assert.Empty(t, r.Uploads.Pending())
	require.Len(t, seen, 2)
	assert.Equal(t, UploadOK, seen[1].Status)
}

func TestReconcileIgnoresConnectionEvents(t *testing.T) {
	r := newTestReconciler()
	assert.Equal(t, Ignored, r.Apply(RoomJoined{RoomID: "T-1"}))
	assert.Equal(t, Ignored, r.Apply(AuthenticationRejected{Reason: "x"}))

	empty := NewReconciler(nil, nil, nil, nil)
	assert.Equal(t, Ignored, empty.Apply(MessageReceived{Message: msg("m1", "hi", t0)}))
	assert.Equal(t, Ignored, empty.Apply(PresenceOffline{UserID: "u1"}))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "ignored", Ignored.String())
}
