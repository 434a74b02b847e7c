package ticketsync

import (
	"errors"
	"time"
)

// RoomKind is the kind of logical room a connection can join.
type RoomKind string

const (
	RoomChat         RoomKind = "chat"
	RoomNotification RoomKind = "notification"
	RoomPresence     RoomKind = "presence"
)

// ParseRoomKind validates a room kind.
func ParseRoomKind(s string) (RoomKind, bool) {
	switch k := RoomKind(s); k {
	case RoomChat, RoomNotification, RoomPresence:
		return k, true
	}
	return "", false
}

// PresenceRoomID is the room every presence observer joins.
const PresenceRoomID = "presence"

// RoomMembership is a joined room. Memberships are never persisted; they
// are rebuilt from the desired set after every reconnect.
type RoomMembership struct {
	RoomID   string    `json:"roomId"`
	Kind     RoomKind  `json:"roomKind"`
	JoinedAt time.Time `json:"joinedAt"`
}

type membershipStatus int

const (
	membershipIdle membershipStatus = iota
	membershipPending
	membershipJoined
)

type roomKey struct {
	kind RoomKind
	id   string
}

type membership struct {
	key      roomKey
	context  map[string]string
	status   membershipStatus
	joinedAt time.Time
}

// Rooms is the declarative membership controller of one Connection. The
// application states which rooms it wants; Rooms issues join-room requests
// whenever the connection becomes Connected and tracks acknowledgements.
type Rooms struct {
	conn    *Connection
	desired map[roomKey]*membership
	order   []roomKey
}

func newRooms(conn *Connection) *Rooms {
	return &Rooms{
		conn:    conn,
		desired: make(map[roomKey]*membership),
	}
}

// Join adds a room to the desired set. If the connection is up, a
// join-room request is sent right away; the membership counts as joined
// only after the server acknowledges it.
func (r *Rooms) Join(kind RoomKind, roomID string, context map[string]string) error {
	if _, ok := ParseRoomKind(string(kind)); !ok {
		return errors.New("ticketsync: unknown room kind " + string(kind))
	}
	if roomID == "" {
		return errors.New("ticketsync: room id is required")
	}
	return r.conn.exec(func() { r.join(kind, roomID, context) })
}

// Leave removes a room from the desired set and, if it is joined, sends a
// leave-room request without waiting for an answer.
func (r *Rooms) Leave(kind RoomKind, roomID string) error {
	return r.conn.exec(func() { r.leave(roomKey{kind: kind, id: roomID}) })
}

// Memberships returns the rooms currently joined.
func (r *Rooms) Memberships() []RoomMembership {
	var out []RoomMembership
	if err := r.conn.exec(func() { out = r.joined() }); err != nil {
		return nil
	}
	return out
}

// Desired returns the rooms the application wants joined, joined or not.
func (r *Rooms) Desired() []RoomMembership {
	var out []RoomMembership
	_ = r.conn.exec(func() {
		for _, key := range r.order {
			m := r.desired[key]
			out = append(out, RoomMembership{RoomID: key.id, Kind: key.kind, JoinedAt: m.joinedAt})
		}
	})
	return out
}

// IsJoined reports whether a room is currently joined.
func (r *Rooms) IsJoined(kind RoomKind, roomID string) bool {
	var ok bool
	_ = r.conn.exec(func() {
		m, found := r.desired[roomKey{kind: kind, id: roomID}]
		ok = found && m.status == membershipJoined
	})
	return ok
}

// ============================================================================
// Loop-side operations
// ============================================================================

func (r *Rooms) join(kind RoomKind, roomID string, context map[string]string) {
	key := roomKey{kind: kind, id: roomID}
	if _, ok := r.desired[key]; ok {
		return
	}
	m := &membership{key: key, context: context}
	r.desired[key] = m
	r.order = append(r.order, key)
	if r.conn.current.IsConnected() {
		r.request(m)
	}
	r.sync()
}

func (r *Rooms) leave(key roomKey) {
	m, ok := r.desired[key]
	if !ok {
		return
	}
	r.remove(key)
	if m.status == membershipJoined && r.conn.link != nil {
		if err := r.conn.emit(EventLeaveRoom, leaveRoomPayload{RoomKind: key.kind, RoomID: key.id}); err != nil {
			r.conn.logger.Debug("leave-room not sent", "room", key.id, "error", err)
		}
	}
	r.sync()
}

func (r *Rooms) request(m *membership) {
	m.status = membershipPending
	m.joinedAt = time.Time{}
	err := r.conn.emit(EventJoinRoom, joinRoomPayload{
		RoomKind: m.key.kind,
		RoomID:   m.key.id,
		Context:  m.context,
	})
	if err != nil {
		// Stays pending; the next reconnect re-issues it.
		r.conn.logger.Warn("join-room not sent", "kind", m.key.kind, "room", m.key.id, "error", err)
	}
}

// connected re-issues join requests for the whole desired set.
func (r *Rooms) connected() {
	for _, key := range r.order {
		r.request(r.desired[key])
	}
	r.sync()
}

// dropped forgets every membership but keeps the desired set.
func (r *Rooms) dropped() {
	for _, m := range r.desired {
		m.status = membershipIdle
		m.joinedAt = time.Time{}
	}
}

// reset forgets memberships and the desired set.
func (r *Rooms) reset() {
	r.desired = make(map[roomKey]*membership)
	r.order = nil
}

// acknowledged marks the matching pending membership joined. The returned
// event carries the membership's kind even when the server omitted it.
func (r *Rooms) acknowledged(ack RoomJoined) (RoomJoined, bool) {
	m := r.match(ack.Kind, ack.RoomID, membershipPending)
	if m == nil {
		r.conn.logger.Debug("ignoring unexpected join acknowledgement", "room", ack.RoomID)
		r.conn.metrics.dropped("unexpected_ack")
		return ack, false
	}
	m.status = membershipJoined
	m.joinedAt = r.conn.cfg.Now()
	r.conn.logger.Info("room joined", "kind", m.key.kind, "room", m.key.id)
	r.sync()
	ack.Kind = m.key.kind
	return ack, true
}

func (r *Rooms) rejected(rej RoomJoinRejected) {
	m := r.match(rej.Kind, rej.RoomID, membershipPending)
	if m == nil {
		m = r.match(rej.Kind, rej.RoomID, membershipIdle)
	}
	if m == nil {
		r.conn.logger.Debug("ignoring join rejection for unknown room", "room", rej.RoomID)
		return
	}
	r.remove(m.key)
	r.conn.logger.Warn("room join rejected", "kind", m.key.kind, "room", m.key.id, "reason", rej.Reason)
	r.sync()
	r.conn.onError.publish(&Error{
		Kind:   KindRoomJoinRejected,
		Op:     EventJoinRoom,
		Room:   m.key.id,
		Reason: rej.Reason,
	})
}

// match finds a desired membership by id and status. The kind narrows the
// search when the server supplies it.
func (r *Rooms) match(kind RoomKind, roomID string, status membershipStatus) *membership {
	for _, key := range r.order {
		if key.id != roomID || (kind != "" && key.kind != kind) {
			continue
		}
		if m := r.desired[key]; m.status == status {
			return m
		}
	}
	return nil
}

func (r *Rooms) remove(key roomKey) {
	delete(r.desired, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// admits reports whether an event scoped to (kind, id) may be applied. An
// empty id matches any joined room of that kind.
func (r *Rooms) admits(kind RoomKind, id string) bool {
	for _, m := range r.desired {
		if m.status != membershipJoined || m.key.kind != kind {
			continue
		}
		if id == "" || m.key.id == id {
			return true
		}
	}
	return false
}

func (r *Rooms) joined() []RoomMembership {
	var out []RoomMembership
	for _, key := range r.order {
		if m := r.desired[key]; m.status == membershipJoined {
			out = append(out, RoomMembership{RoomID: key.id, Kind: key.kind, JoinedAt: m.joinedAt})
		}
	}
	return out
}

func (r *Rooms) joinedCount() int {
	n := 0
	for _, m := range r.desired {
		if m.status == membershipJoined {
			n++
		}
	}
	return n
}

// sync derives the aggregate join state and the heartbeat from the
// membership table.
func (r *Rooms) sync() {
	c := r.conn
	if !c.current.IsConnected() {
		return
	}
	c.updateHeartbeat()
	switch {
	case len(r.desired) == 0:
		c.transition(StateConnected, nil)
	case r.joinedCount() == len(r.desired):
		c.transition(StateJoined, nil)
	default:
		c.transition(StateJoining, nil)
	}
}
