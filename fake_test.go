package ticketsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Scriptable transport
// ============================================================================

const waitFor = 2 * time.Second

var errLinkClosed = errors.New("link closed")

// fakeTransport hands out in-memory links. Dials can be made to fail.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	failAll bool
	links   chan *fakeLink
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{links: make(chan *fakeLink, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context) (Link, error) {
	t.mu.Lock()
	t.dials++
	fail := t.failAll
	t.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	l := &fakeLink{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	t.links <- l
	return l, nil
}

func (t *fakeTransport) setFailing(fail bool) {
	t.mu.Lock()
	t.failAll = fail
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// next waits for the link of the next successful dial.
func (t *fakeTransport) next(tb testing.TB) *fakeLink {
	tb.Helper()
	select {
	case l := <-t.links:
		return l
	case <-time.After(waitFor):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

// fakeLink is the server side and the client side of one connection.
type fakeLink struct {
	in     chan []byte // server -> client
	out    chan []byte // client -> server
	closed chan struct{}
	once   sync.Once
}

func (l *fakeLink) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-l.in:
		return data, nil
	case <-l.closed:
		return nil, errLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Write(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed:
		return errLinkClosed
	default:
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.closed:
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLink) Close(string) error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// drop simulates the server going away.
func (l *fakeLink) drop() { _ = l.Close("") }

// push sends an event from the server.
func (l *fakeLink) push(tb testing.TB, name string, payload any) {
	tb.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(tb, err)
	frame, err := json.Marshal(Envelope{Type: name, Payload: raw})
	require.NoError(tb, err)
	l.in <- frame
}

// expect reads client frames until one named name arrives and decodes its
// payload into v (which may be nil). Heartbeats are skipped unless asked for.
func (l *fakeLink) expect(tb testing.TB, name string, v any) {
	tb.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case frame := <-l.out:
			var env Envelope
			require.NoError(tb, json.Unmarshal(frame, &env))
			if env.Type != name {
				if env.Type == EventHeartbeat || name == EventHeartbeat {
					continue
				}
				tb.Fatalf("expected %s frame, got %s", name, env.Type)
			}
			if v != nil {
				require.NoError(tb, json.Unmarshal(env.Payload, v))
			}
			return
		case <-deadline:
			tb.Fatalf("timed out waiting for %s frame", name)
			return
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

var testIdentity = Identity{UserID: "agent-1", Email: "agent@example.com", Role: "agent"}

func testConfig(tr Transport) Config {
	return Config{
		Transport:         tr,
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
}

func waitState(tb testing.TB, c *Connection, want ConnectionState) {
	tb.Helper()
	require.Eventually(tb, func() bool { return c.State() == want },
		waitFor, 5*time.Millisecond, "state %s, want %s", c.State(), want)
}

// connected dials, answers the authenticate frame and returns the link.
func connected(tb testing.TB, c *Connection, tr *fakeTransport) *fakeLink {
	tb.Helper()
	require.NoError(tb, c.Connect(testIdentity))
	link := tr.next(tb)
	link.expect(tb, EventAuthenticate, nil)
	waitState(tb, c, StateConnected)
	return link
}

// joinAck acknowledges the next join-room request and returns its room id.
func joinAck(tb testing.TB, link *fakeLink) string {
	tb.Helper()
	var req joinRoomPayload
	link.expect(tb, EventJoinRoom, &req)
	link.push(tb, EventRoomJoined, map[string]string{"roomId": req.RoomID, "roomKind": string(req.RoomKind)})
	return req.RoomID
}

func chatMessage(id, ticket, text string, ts time.Time) map[string]any {
	return map[string]any{
		"id":         id,
		"ticketId":   ticket,
		"text":       text,
		"senderId":   "customer-7",
		"senderRole": "customer",
		"timestamp":  ts.UnixMilli(),
	}
}

// errorSink collects errors surfaced through OnError.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) matching(target error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, err := range s.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}
