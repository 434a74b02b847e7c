package ticketsync

import (
	"sort"
	"sync"
	"time"
)

// The stores below are written only by the Reconciler (on the connection
// loop) or by an explicit Clear. Readers on any goroutine get copies.

// ============================================================================
// MessageStore
// ============================================================================

// MessageChange describes one mutation of a MessageStore.
type MessageChange struct {
	Added   *Message // set when a message was admitted
	Cleared string   // ticket id, set on Clear
}

type contentKey struct {
	ticketID string
	text     string
	media    string
}

// MessageStore keeps chat messages in delivery order, indexed by id and by
// content for near-duplicate checks.
type MessageStore struct {
	mu        sync.RWMutex
	messages  []Message
	byID      map[string]int
	byContent map[contentKey][]time.Time
	window    time.Duration
	changes   observers[MessageChange]
}

// NewMessageStore creates an empty store. window is the content-dedup
// window; zero uses DefaultDedupWindow.
func NewMessageStore(window time.Duration) *MessageStore {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MessageStore{
		byID:      make(map[string]int),
		byContent: make(map[contentKey][]time.Time),
		window:    window,
	}
}

// OnChange registers a callback for admitted messages and clears.
func (s *MessageStore) OnChange(fn func(MessageChange)) { s.changes.add(fn) }

// All returns every message in delivery order.
func (s *MessageStore) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// ByTicket returns the messages of one ticket in delivery order.
func (s *MessageStore) ByTicket(ticketID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.TicketID == ticketID {
			out = append(out, m)
		}
	}
	return out
}

// ByID returns a message by its server id.
func (s *MessageStore) ByID(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear drops the messages of one ticket, e.g. when the user leaves it.
// An empty ticketID clears everything.
func (s *MessageStore) Clear(ticketID string) {
	s.mu.Lock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if ticketID != "" && m.TicketID != ticketID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.reindex()
	s.mu.Unlock()
	s.changes.publish(MessageChange{Cleared: ticketID})
}

func (s *MessageStore) reindex() {
	s.byID = make(map[string]int, len(s.messages))
	s.byContent = make(map[contentKey][]time.Time)
	for i, m := range s.messages {
		s.byID[m.ID] = i
		k := keyOf(m)
		s.byContent[k] = append(s.byContent[k], m.Timestamp)
	}
}

func keyOf(m Message) contentKey {
	return contentKey{ticketID: m.TicketID, text: m.Text, media: m.mediaName()}
}

// dedupResult is why insert refused a message.
type dedupResult int

const (
	dedupNone dedupResult = iota
	dedupID
	dedupContent
)

// insert admits m unless its id is known or an existing message in the
// same ticket has identical text, identical media filename and a timestamp
// within the window. A message without a timestamp is matched by id only.
func (s *MessageStore) insert(m Message) dedupResult {
	s.mu.Lock()
	if _, ok := s.byID[m.ID]; ok {
		s.mu.Unlock()
		return dedupID
	}
	k := keyOf(m)
	for _, ts := range s.byContent[k] {
		if m.Timestamp.IsZero() || ts.IsZero() {
			continue
		}
		if absDuration(ts.Sub(m.Timestamp)) < s.window {
			s.mu.Unlock()
			return dedupContent
		}
	}
	s.byID[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	s.byContent[k] = append(s.byContent[k], m.Timestamp)
	s.mu.Unlock()

	added := m
	s.changes.publish(MessageChange{Added: &added})
	return dedupNone
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// Roster
// ============================================================================

// RosterChange describes one mutation of the Roster.
type RosterChange struct {
	Online   *PresenceRecord
	Offline  string
	Snapshot bool
	Cleared  bool
}

// presenceMark remembers the last explicit online/offline event for a
// user. It outranks only the next snapshot, and only when that snapshot is
// not known to be newer than the event by server time.
type presenceMark struct {
	online bool
	at     time.Time
}

func (m presenceMark) supersededBy(asOf time.Time) bool {
	return !asOf.IsZero() && !m.at.IsZero() && asOf.After(m.at)
}

// Roster is the live set of connected users.
type Roster struct {
	mu      sync.RWMutex
	records map[string]PresenceRecord
	marks   map[string]presenceMark
	changes observers[RosterChange]
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		records: make(map[string]PresenceRecord),
		marks:   make(map[string]presenceMark),
	}
}

// OnChange registers a callback for roster mutations.
func (r *Roster) OnChange(fn func(RosterChange)) { r.changes.add(fn) }

// All returns every online user ordered by connection time.
func (r *Roster) All() []PresenceRecord {
	r.mu.RLock()
	out := make([]PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// ByID returns the record of one user.
func (r *Roster) ByID(userID string) (PresenceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	return rec, ok
}

// IsOnline reports whether userID is in the roster.
func (r *Roster) IsOnline(userID string) bool {
	_, ok := r.ByID(userID)
	return ok
}

// OnlineByRole returns the online users with the given role.
func (r *Roster) OnlineByRole(role string) []PresenceRecord {
	r.mu.RLock()
	var out []PresenceRecord
	for _, rec := range r.records {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// OnlineDuration returns now - connectedAt for an online user.
func (r *Roster) OnlineDuration(userID string, now time.Time) (time.Duration, bool) {
	rec, ok := r.ByID(userID)
	if !ok {
		return 0, false
	}
	d := now.Sub(rec.ConnectedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len returns the number of online users.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.records = make(map[string]PresenceRecord)
	r.marks = make(map[string]presenceMark)
	r.mu.Unlock()
	r.changes.publish(RosterChange{Cleared: true})
}

// forgetMarks drops every pending online/offline mark so that the next
// snapshot is taken as is.
func (r *Roster) forgetMarks() {
	r.mu.Lock()
	r.marks = make(map[string]presenceMark)
	r.mu.Unlock()
}

// online creates the record if absent. An existing record is left as is.
func (r *Roster) online(rec PresenceRecord, at time.Time) bool {
	r.mu.Lock()
	r.marks[rec.UserID] = presenceMark{online: true, at: at}
	if _, ok := r.records[rec.UserID]; ok {
		r.mu.Unlock()
		return false
	}
	r.records[rec.UserID] = rec
	r.mu.Unlock()

	added := rec
	r.changes.publish(RosterChange{Online: &added})
	return true
}

// offline deletes the record if present.
func (r *Roster) offline(userID string, at time.Time) bool {
	r.mu.Lock()
	r.marks[userID] = presenceMark{online: false, at: at}
	if _, ok := r.records[userID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.records, userID)
	r.mu.Unlock()

	r.changes.publish(RosterChange{Offline: userID})
	return true
}

// replace swaps in a snapshot. Explicit online/offline events seen since
// the previous snapshot outrank it for their user unless the snapshot is
// provably newer; after that the snapshot is authoritative.
func (r *Roster) replace(users []PresenceRecord, asOf time.Time) {
	r.mu.Lock()
	next := make(map[string]PresenceRecord, len(users))
	for _, u := range users {
		if mark, ok := r.marks[u.UserID]; ok && !mark.online && !mark.supersededBy(asOf) {
			continue
		}
		if prev, ok := next[u.UserID]; ok {
			u = mergeForward(prev, u)
		}
		if cur, ok := r.records[u.UserID]; ok {
			u = mergeForward(cur, u)
		}
		next[u.UserID] = u
	}
	for id, cur := range r.records {
		if _, ok := next[id]; ok {
			continue
		}
		if mark, ok := r.marks[id]; ok && mark.online && !mark.supersededBy(asOf) {
			next[id] = cur
		}
	}
	r.marks = make(map[string]presenceMark)
	r.records = next
	r.mu.Unlock()

	r.changes.publish(RosterChange{Snapshot: true})
}

// mergeForward keeps timestamps monotonic for a user seen twice.
func mergeForward(cur, incoming PresenceRecord) PresenceRecord {
	out := incoming
	if cur.ConnectedAt.After(out.ConnectedAt) {
		out.ConnectedAt = cur.ConnectedAt
	}
	if cur.LastActivityAt.After(out.LastActivityAt) {
		out.LastActivityAt = cur.LastActivityAt
	}
	return out
}

func sortRecords(recs []PresenceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ConnectedAt.Equal(recs[j].ConnectedAt) {
			return recs[i].ConnectedAt.Before(recs[j].ConnectedAt)
		}
		return recs[i].UserID < recs[j].UserID
	})
}

// ============================================================================
// NotificationStore
// ============================================================================

// NotificationChange describes one mutation of a NotificationStore.
type NotificationChange struct {
	Added   *Notification
	Read    []string // ids newly marked read
	Cleared bool
}

// NotificationStore keeps the notification feed in delivery order. Read
// state lives in the Ledger, not on the notifications.
type NotificationStore struct {
	mu      sync.RWMutex
	items   []Notification
	byID    map[string]int
	ledger  *Ledger
	changes observers[NotificationChange]
}

// NewNotificationStore creates an empty store backed by ledger for read
// state. A nil ledger treats every notification as unread.
func NewNotificationStore(ledger *Ledger) *NotificationStore {
	return &NotificationStore{
		byID:   make(map[string]int),
		ledger: ledger,
	}
}

// OnChange registers a callback for admitted notifications and clears.
func (s *NotificationStore) OnChange(fn func(NotificationChange)) { s.changes.add(fn) }

// All returns every notification in delivery order.
func (s *NotificationStore) All() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.items...)
}

// ByID returns a notification by id.
func (s *NotificationStore) ByID(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	return s.items[i], true
}

// Len returns the number of stored notifications.
func (s *NotificationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Unread returns the notifications without a read mark.
func (s *NotificationStore) Unread() []Notification {
	return s.ledger.Merge(s.All()).Unread
}

// HasUnread reports whether any notification lacks a read mark.
func (s *NotificationStore) HasUnread() bool {
	return len(s.Unread()) > 0
}

// Clear empties the store. Read marks are kept.
func (s *NotificationStore) Clear() {
	s.mu.Lock()
	s.items = nil
	s.byID = make(map[string]int)
	s.mu.Unlock()
	s.changes.publish(NotificationChange{Cleared: true})
}

// markedRead tells observers that the ledger gained marks for ids.
func (s *NotificationStore) markedRead(ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.changes.publish(NotificationChange{Read: ids})
}

func (s *NotificationStore) insert(n Notification) bool {
	s.mu.Lock()
	if _, ok := s.byID[n.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.byID[n.ID] = len(s.items)
	s.items = append(s.items, n)
	s.mu.Unlock()

	added := n
	s.changes.publish(NotificationChange{Added: &added})
	return true
}
