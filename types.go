package ticketsync

import (
	"errors"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

// Identity is the authenticated principal announced on every (re)connect.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// ============================================================================
// Messages
// ============================================================================

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// ParseMediaKind validates a wire media kind.
func ParseMediaKind(s string) (MediaKind, bool) {
	switch k := MediaKind(strings.ToLower(s)); k {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return k, true
	}
	return "", false
}

// MediaKindForMIME maps a MIME type to the attachment kind shown in chat.
func MediaKindForMIME(mimeType string) MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	default:
		return MediaDocument
	}
}

// Media describes an attachment carried by a Message.
type Media struct {
	Kind       MediaKind `json:"kind"`
	Filename   string    `json:"filename"`
	ByteSize   int64     `json:"byteSize"`
	MimeType   string    `json:"mimeType"`
	PayloadRef string    `json:"payloadRef,omitempty"`
}

// Message is a chat message admitted to a ticket room. Messages are
// immutable once stored.
type Message struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticketId"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Timestamp  time.Time `json:"timestamp"`
	Media      *Media    `json:"media,omitempty"`
}

var errEmptyMessage = errors.New("message has neither text nor media")

// Validate enforces the shape a Message must have before it may be stored.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("message id is required")
	case m.TicketID == "":
		return errors.New("message ticketId is required")
	case m.Text == "" && m.Media == nil:
		return errEmptyMessage
	case m.Media != nil && m.Media.Filename == "":
		return errors.New("media filename is required")
	}
	return nil
}

func (m Message) mediaName() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.Filename
}

// ============================================================================
// Presence
// ============================================================================

// PresenceRecord is one connected user in the presence roster.
type PresenceRecord struct {
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	Company        string    `json:"company,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is an entry of the personal notification feed.
type Notification struct {
	ID         string    `json:"id"`
	AccessCode string    `json:"accessCode"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReadMark records when this installation marked a notification read.
type ReadMark struct {
	NotificationID string    `json:"notificationId"`
	ReadAt         time.Time `json:"readAt"`
}

// ============================================================================
// Attachments
// ============================================================================

// Attachment is an outbound file ready to be sent with UploadMedia.
type Attachment struct {
	Filename string
	MimeType string
	Kind     MediaKind
	Data     []byte
}

// guessMimeType falls back to the file extension when content sniffing
// only yields a generic type.
func guessMimeType(fileName string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); t != "" {
		return stripMIMEParams(t)
	}
	return "application/octet-stream"
}

func stripMIMEParams(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the history endpoints.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
