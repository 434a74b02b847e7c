package ticketsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Transport opens duplex, event-addressed links to the backend. The core
// only depends on this interface; tests inject a fake.
type Transport interface {
	Dial(ctx context.Context) (Link, error)
}

// Link is one open transport connection. Read blocks until a frame arrives
// or the link closes; Write must be safe to call from a single writer
// goroutine concurrently with Read.
type Link interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// ============================================================================
// WebSocket transport
// ============================================================================

// DefaultReadLimit bounds one inbound frame. Attachments travel inline as
// base64, so the limit is well above the library default.
const DefaultReadLimit = 32 << 20

// WebSocketTransport dials a WebSocket endpoint.
type WebSocketTransport struct {
	URL          string
	Token        string // sent as a bearer token on the upgrade request
	Header       http.Header
	HTTPClient   *http.Client
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// WebSocketURL converts an http(s) base URL into the ws(s) realtime endpoint.
func WebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context) (Link, error) {
	if t.URL == "" {
		return nil, fmt.Errorf("websocket dial: empty URL")
	}
	if t.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.DialTimeout)
		defer cancel()
	}

	header := http.Header{}
	for k, v := range t.Header {
		header[k] = append([]string(nil), v...)
	}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsLink{conn: conn, writeTimeout: t.WriteTimeout}, nil
}

type wsLink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (l *wsLink) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// Binary frames are not part of the protocol.
	}
}

func (l *wsLink) Write(ctx context.Context, frame []byte) error {
	if l.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.writeTimeout)
		defer cancel()
	}
	return l.conn.Write(ctx, websocket.MessageText, frame)
}

func (l *wsLink) Close(reason string) error {
	return l.conn.Close(websocket.StatusNormalClosure, reason)
}
