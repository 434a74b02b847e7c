package ticketsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Inbound event names.
const (
	EventRoomJoined             = "room-joined"
	EventRoomJoinRejected       = "room-join-rejected"
	EventMessage                = "message"
	EventMediaUploadAck         = "media-upload-ack"
	EventPresenceSnapshot       = "presence-snapshot"
	EventPresenceOnline         = "presence-online"
	EventPresenceOffline        = "presence-offline"
	EventNotification           = "notification"
	EventAuthenticationRejected = "authentication-rejected"
)

// Outbound event names.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventSendMessage  = "send-message"
	EventUploadMedia  = "upload-media"
	EventHeartbeat    = "heartbeat"
	EventMarkRead     = "mark-read"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return json.Marshal(Envelope{Type: name, Payload: raw})
}

// ============================================================================
// Inbound events
// ============================================================================

// Event is the closed set of inbound events. DecodeEvent is the only
// producer; the Reconciler switches over the concrete types.
type Event interface {
	EventName() string
	isEvent()
}

// RoomJoined acknowledges a join-room request.
type RoomJoined struct {
	RoomID string
	Kind   RoomKind // optional; empty when the server omits it
}

// RoomJoinRejected refuses a join-room request.
type RoomJoinRejected struct {
	RoomID string
	Kind   RoomKind
	Reason string
}

// MessageReceived delivers one chat message.
type MessageReceived struct {
	Message Message
}

// MediaUploadAck reports the outcome of an upload-media request.
type MediaUploadAck struct {
	UploadID string
	Status   UploadStatus
}

// PresenceSnapshot replaces the whole roster.
type PresenceSnapshot struct {
	Users []PresenceRecord
	AsOf  time.Time // server time the snapshot was taken; zero if unknown
}

// PresenceOnline announces a user came online.
type PresenceOnline struct {
	Record PresenceRecord
	At     time.Time
}

// PresenceOffline announces a user went offline.
type PresenceOffline struct {
	UserID string
	At     time.Time
}

// NotificationPushed delivers one notification.
type NotificationPushed struct {
	Notification Notification
}

// AuthenticationRejected is sent when the server refuses the identity.
type AuthenticationRejected struct {
	Reason string
}

func (RoomJoined) EventName() string             { return EventRoomJoined }
func (RoomJoinRejected) EventName() string       { return EventRoomJoinRejected }
func (MessageReceived) EventName() string        { return EventMessage }
func (MediaUploadAck) EventName() string         { return EventMediaUploadAck }
func (PresenceSnapshot) EventName() string       { return EventPresenceSnapshot }
func (PresenceOnline) EventName() string         { return EventPresenceOnline }
func (PresenceOffline) EventName() string        { return EventPresenceOffline }
func (NotificationPushed) EventName() string     { return EventNotification }
func (AuthenticationRejected) EventName() string { return EventAuthenticationRejected }

func (RoomJoined) isEvent()             {}
func (RoomJoinRejected) isEvent()       {}
func (MessageReceived) isEvent()        {}
func (MediaUploadAck) isEvent()         {}
func (PresenceSnapshot) isEvent()       {}
func (PresenceOnline) isEvent()         {}
func (PresenceOffline) isEvent()        {}
func (NotificationPushed) isEvent()     {}
func (AuthenticationRejected) isEvent() {}

// eventRoom reports which room an event is scoped to. An empty id means any
// joined room of that kind admits it. ok is false for unscoped events.
func eventRoom(ev Event) (kind RoomKind, id string, ok bool) {
	switch e := ev.(type) {
	case MessageReceived:
		return RoomChat, e.Message.TicketID, true
	case PresenceSnapshot, PresenceOnline, PresenceOffline:
		return RoomPresence, "", true
	case NotificationPushed:
		return RoomNotification, "", true
	}
	return "", "", false
}

// ============================================================================
// Wire payloads
// ============================================================================

// wireTime accepts RFC 3339 strings and Unix milliseconds.
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		*t = wireTime(parsed.UTC())
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid timestamp %s", b)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return fmt.Errorf("invalid timestamp %s", b)
	}
	*t = wireTime(time.UnixMilli(int64(ms)).UTC())
	return nil
}

func (t wireTime) Time() time.Time { return time.Time(t) }

type wireMedia struct {
	Kind       string `json:"kind"`
	Filename   string `json:"filename"`
	ByteSize   int64  `json:"byteSize"`
	MimeType   string `json:"mimeType"`
	PayloadRef string `json:"payloadRef"`
}

type wireMessage struct {
	ID         string     `json:"id"`
	TicketID   string     `json:"ticketId"`
	Text       string     `json:"text"`
	SenderID   string     `json:"senderId"`
	SenderRole string     `json:"senderRole"`
	Timestamp  wireTime   `json:"timestamp"`
	Media      *wireMedia `json:"media"`
}

type wirePresence struct {
	UserID         string   `json:"userId"`
	Role           string   `json:"role"`
	Company        string   `json:"company"`
	ConnectedAt    wireTime `json:"connectedAt"`
	LastActivityAt wireTime `json:"lastActivityAt"`
}

type wireNotification struct {
	ID         string   `json:"id"`
	AccessCode string   `json:"accessCode"`
	SubjectRef string   `json:"subjectRef"`
	CreatedAt  wireTime `json:"createdAt"`
}

type wireRoomAck struct {
	RoomID   string `json:"roomId"`
	RoomKind string `json:"roomKind"`
	Reason   string `json:"reason"`
}

type wireUploadAck struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
}

type wireSnapshot struct {
	Users []wirePresence `json:"users"`
	AsOf  wireTime       `json:"asOf"`
}

type wireOnline struct {
	User wirePresence `json:"userRecord"`
	At   wireTime     `json:"at"`
}

type wireOffline struct {
	UserID string   `json:"userId"`
	At     wireTime `json:"at"`
}

type wireAuthRejected struct {
	Reason string `json:"reason"`
}

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent turns one raw frame into a typed Event. Frames that are not
// valid JSON, name an unknown event, or fail shape validation return an
// error matching ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("decode", "invalid envelope: %v", err)
	}
	if env.Type == "" {
		return nil, malformed("decode", "envelope has no type")
	}
	return decodePayload(env)
}

func decodePayload(env Envelope) (Event, error) {
	name := env.Type
	switch name {
	case EventRoomJoined, EventRoomJoinRejected:
		var p wireRoomAck
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.RoomID == "" {
			return nil, malformed(name, "roomId is required")
		}
		kind, err := optionalRoomKind(name, p.RoomKind)
		if err != nil {
			return nil, err
		}
		if name == EventRoomJoined {
			return RoomJoined{RoomID: p.RoomID, Kind: kind}, nil
		}
		return RoomJoinRejected{RoomID: p.RoomID, Kind: kind, Reason: p.Reason}, nil

	case EventMessage:
		var p wireMessage
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		msg, err := p.message()
		if err != nil {
			return nil, err
		}
		return MessageReceived{Message: msg}, nil

	case EventMediaUploadAck:
		var p wireUploadAck
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UploadID == "" {
			return nil, malformed(name, "uploadId is required")
		}
		status, ok := parseUploadStatus(p.Status)
		if !ok {
			return nil, malformed(name, "unknown upload status %q", p.Status)
		}
		return MediaUploadAck{UploadID: p.UploadID, Status: status}, nil

	case EventPresenceSnapshot:
		var p wireSnapshot
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		users := make([]PresenceRecord, 0, len(p.Users))
		for i, u := range p.Users {
			rec, err := u.record(name)
			if err != nil {
				return nil, malformed(name, "users[%d]: %v", i, err)
			}
			users = append(users, rec)
		}
		return PresenceSnapshot{Users: users, AsOf: p.AsOf.Time()}, nil

	case EventPresenceOnline:
		var p wireOnline
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		rec, err := p.User.record(name)
		if err != nil {
			return nil, err
		}
		return PresenceOnline{Record: rec, At: p.At.Time()}, nil

	case EventPresenceOffline:
		var p wireOffline
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, malformed(name, "userId is required")
		}
		return PresenceOffline{UserID: p.UserID, At: p.At.Time()}, nil

	case EventNotification:
		var p wireNotification
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		n, err := p.notification()
		if err != nil {
			return nil, err
		}
		return NotificationPushed{Notification: n}, nil

	case EventAuthenticationRejected:
		var p wireAuthRejected
		if len(env.Payload) > 0 {
			if err := unmarshalPayload(env, &p); err != nil {
				return nil, err
			}
		}
		return AuthenticationRejected{Reason: p.Reason}, nil
	}
	return nil, malformed(name, "unknown event")
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		return malformed(env.Type, "payload is required")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &Error{Kind: KindMalformedEvent, Op: env.Type, Err: err}
	}
	return nil
}

func optionalRoomKind(op, s string) (RoomKind, error) {
	if s == "" {
		return "", nil
	}
	kind, ok := ParseRoomKind(s)
	if !ok {
		return "", malformed(op, "unknown roomKind %q", s)
	}
	return kind, nil
}

func (w wireMessage) message() (Message, error) {
	if w.ID == "" {
		return Message{}, malformed(EventMessage, "id is required")
	}
	if w.TicketID == "" {
		return Message{}, malformed(EventMessage, "ticketId is required")
	}
	if w.SenderID == "" {
		return Message{}, malformed(EventMessage, "senderId is required")
	}
	msg := Message{
		ID:         w.ID,
		TicketID:   w.TicketID,
		Text:       w.Text,
		SenderID:   w.SenderID,
		SenderRole: w.SenderRole,
		Timestamp:  w.Timestamp.Time(),
	}
	if w.Media != nil {
		media, err := w.Media.media()
		if err != nil {
			return Message{}, err
		}
		msg.Media = media
	}
	return msg, nil
}

func (w wireMedia) media() (*Media, error) {
	if w.Filename == "" {
		return nil, malformed(EventMessage, "media filename is required")
	}
	if w.ByteSize < 0 {
		return nil, malformed(EventMessage, "media byteSize is negative")
	}
	mimeType := stripMIMEParams(w.MimeType)
	var kind MediaKind
	if w.Kind != "" {
		k, ok := ParseMediaKind(w.Kind)
		if !ok {
			return nil, malformed(EventMessage, "unknown media kind %q", w.Kind)
		}
		kind = k
	} else {
		kind = MediaKindForMIME(mimeType)
	}
	return &Media{
		Kind:       kind,
		Filename:   w.Filename,
		ByteSize:   w.ByteSize,
		MimeType:   mimeType,
		PayloadRef: w.PayloadRef,
	}, nil
}

func (w wirePresence) record(op string) (PresenceRecord, error) {
	if w.UserID == "" {
		return PresenceRecord{}, malformed(op, "userId is required")
	}
	rec := PresenceRecord{
		UserID:         w.UserID,
		Role:           strings.ToLower(w.Role),
		Company:        w.Company,
		ConnectedAt:    w.ConnectedAt.Time(),
		LastActivityAt: w.LastActivityAt.Time(),
	}
	return rec, nil
}

func (w wireNotification) notification() (Notification, error) {
	if w.ID == "" {
		return Notification{}, malformed(EventNotification, "id is required")
	}
	code := w.AccessCode
	if code == "" {
		code = w.SubjectRef
	}
	return Notification{ID: w.ID, AccessCode: code, CreatedAt: w.CreatedAt.Time()}, nil
}

// ============================================================================
// Outbound payloads
// ============================================================================

type authenticatePayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type joinRoomPayload struct {
	RoomKind RoomKind          `json:"roomKind"`
	RoomID   string            `json:"roomId"`
	Context  map[string]string `json:"context,omitempty"`
}

type leaveRoomPayload struct {
	RoomKind RoomKind `json:"roomKind"`
	RoomID   string   `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID   string `json:"roomId"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	ClientID string `json:"clientId,omitempty"`
}

type uploadMediaPayload struct {
	RoomID   string `json:"roomId"`
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	ByteSize int64  `json:"byteSize"`
	Payload  string `json:"payload"` // base64
	SenderID string `json:"senderId,omitempty"`
}

type heartbeatPayload struct {
	RoomID string `json:"roomId"`
}

type markReadPayload struct {
	NotificationID string `json:"notificationId"`
}
