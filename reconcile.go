package ticketsync

import (
	"io"
	"log/slog"
	"time"
)

// Outcome is what the Reconciler did with one event.
type Outcome int

const (
	// Applied means the event changed a store.
	Applied Outcome = iota
	// Duplicate means the event was already known (by id or by content).
	Duplicate
	// Rejected means the event failed validation.
	Rejected
	// Ignored means the event carries no store state or has no target store.
	Ignored
)

// String returns the string representation of an Outcome.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// Reconciler decides for every inbound event whether it is new
// information and routes it to exactly one store. Events are applied in
// arrival order; nothing is buffered or reordered by timestamp.
type Reconciler struct {
	Messages      *MessageStore
	Roster        *Roster
	Notifications *NotificationStore
	Uploads       *Uploads

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewReconciler wires a Reconciler to its stores. Any store may be nil;
// events for a nil store are ignored.
func NewReconciler(messages *MessageStore, roster *Roster, notifications *NotificationStore, uploads *Uploads) *Reconciler {
	return &Reconciler{
		Messages:      messages,
		Roster:        roster,
		Notifications: notifications,
		Uploads:       uploads,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:           time.Now,
	}
}

// WithLogger sets the logger used for dropped events.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	if l != nil {
		r.logger = l
	}
	return r
}

// WithMetrics sets the metrics sink.
func (r *Reconciler) WithMetrics(m *Metrics) *Reconciler {
	r.metrics = m
	return r
}

// WithClock sets the clock used to fill missing presence timestamps.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// Apply reconciles one event.
func (r *Reconciler) Apply(ev Event) Outcome {
	var out Outcome
	switch e := ev.(type) {
	case MessageReceived:
		out = r.applyMessage(e.Message)
	case PresenceOnline:
		out = r.applyOnline(e)
	case PresenceOffline:
		out = r.applyOffline(e)
	case PresenceSnapshot:
		out = r.applySnapshot(e)
	case NotificationPushed:
		out = r.applyNotification(e.Notification)
	case MediaUploadAck:
		out = r.applyUploadAck(e)
	case RoomJoined:
		// A fresh presence join is followed by an authoritative snapshot.
		if e.Kind == RoomPresence && r.Roster != nil {
			r.Roster.forgetMarks()
		}
		out = Ignored
	default:
		// Room and authentication events belong to the Connection.
		out = Ignored
	}
	if out == Applied {
		r.metrics.applied(ev.EventName())
	}
	return out
}

// ApplyMessages reconciles fetched history exactly like inbound events and
// returns how many were admitted.
func (r *Reconciler) ApplyMessages(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if r.Apply(MessageReceived{Message: m}) == Applied {
			n++
		}
	}
	return n
}

// ApplyNotifications reconciles a fetched feed and returns how many were
// admitted.
func (r *Reconciler) ApplyNotifications(ns []Notification) int {
	n := 0
	for _, item := range ns {
		if r.Apply(NotificationPushed{Notification: item}) == Applied {
			n++
		}
	}
	return n
}

func (r *Reconciler) applyMessage(m Message) Outcome {
	if r.Messages == nil {
		return Ignored
	}
	if err := m.Validate(); err != nil {
		r.logger.Warn("dropping invalid message", "id", m.ID, "ticket", m.TicketID, "error", err)
		r.metrics.dropped("invalid")
		return Rejected
	}
	switch r.Messages.insert(m) {
	case dedupID:
		r.logger.Debug("dropping duplicate message", "id", m.ID)
		r.metrics.dropped("duplicate")
		return Duplicate
	case dedupContent:
		r.logger.Debug("dropping near-duplicate message", "id", m.ID, "ticket", m.TicketID)
		r.metrics.dropped("near_duplicate")
		return Duplicate
	}
	return Applied
}

func (r *Reconciler) applyOnline(e PresenceOnline) Outcome {
	if r.Roster == nil {
		return Ignored
	}
	rec := e.Record
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = e.At
	}
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = r.now()
	}
	if rec.LastActivityAt.Before(rec.ConnectedAt) {
		rec.LastActivityAt = rec.ConnectedAt
	}
	if !r.Roster.online(rec, e.At) {
		r.metrics.dropped("duplicate")
		return Duplicate
	}
	return Applied
}

func (r *Reconciler) applyOffline(e PresenceOffline) Outcome {
	if r.Roster == nil {
		return Ignored
	}
	if !r.Roster.offline(e.UserID, e.At) {
		r.metrics.dropped("duplicate")
		return Duplicate
	}
	return Applied
}

func (r *Reconciler) applySnapshot(e PresenceSnapshot) Outcome {
	if r.Roster == nil {
		return Ignored
	}
	now := r.now()
	users := make([]PresenceRecord, 0, len(e.Users))
	for _, u := range e.Users {
		if u.ConnectedAt.IsZero() {
			u.ConnectedAt = now
		}
		if u.LastActivityAt.Before(u.ConnectedAt) {
			u.LastActivityAt = u.ConnectedAt
		}
		users = append(users, u)
	}
	r.Roster.replace(users, e.AsOf)
	return Applied
}

func (r *Reconciler) applyNotification(n Notification) Outcome {
	if r.Notifications == nil {
		return Ignored
	}
	if n.ID == "" {
		r.metrics.dropped("invalid")
		return Rejected
	}
	if !r.Notifications.insert(n) {
		r.metrics.dropped("duplicate")
		return Duplicate
	}
	return Applied
}

func (r *Reconciler) applyUploadAck(e MediaUploadAck) Outcome {
	if r.Uploads == nil {
		return Ignored
	}
	if !r.Uploads.resolve(e.UploadID, e.Status, r.now()) {
		r.logger.Debug("ignoring ack for unknown upload", "upload", e.UploadID)
		return Ignored
	}
	return Applied
}
