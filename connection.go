package ticketsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector counts reconnect attempts against a fixed budget.
type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		delay:       cfg.ReconnectDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Loop events
// ============================================================================

type dialResult struct {
	gen  uint64
	link Link
	err  error
}

type inboundFrame struct {
	gen  uint64
	data []byte
}

type linkClosed struct {
	gen uint64
	err error
}

// activeLink is the transport connection currently owned by the loop.
type activeLink struct {
	gen    uint64
	link   Link
	out    chan []byte
	cancel context.CancelFunc
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns one duplex connection to the backend: its state machine,
// authentication handshake, reconnection policy and heartbeats.
//
// All state is owned by a single loop goroutine. Public methods hand a
// closure to the loop and wait for it to run; transport I/O happens on
// helper goroutines that post results back. Observer callbacks are
// delivered in order on a separate goroutine.
type Connection struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	notify  *notifier
	rooms   *Rooms

	onState observers[StateEvent]
	onError observers[error]

	cmds   chan func()
	events chan any
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	state     atomic.Int32

	// handler receives admitted room events on the loop goroutine.
	handler func(Event)

	// Owned by the loop goroutine.
	current    ConnectionState
	identity   Identity
	gen        uint64
	link       *activeLink
	dialCancel context.CancelFunc
	recon      *reconnector
	retry      *time.Timer
	heartbeat  *time.Ticker
}

// NewConnection creates an idle Connection and starts its loop. Call Close
// to release it.
func NewConnection(cfg Config) *Connection {
	cfg.defaults()
	c := &Connection{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		cmds:    make(chan func()),
		events:  make(chan any),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		recon:   newReconnector(&cfg),
	}
	c.notify = newNotifier(cfg.Logger)
	c.onState.attach(c.notify)
	c.onError.attach(c.notify)
	c.rooms = newRooms(c)
	c.metrics.setState(StateIdle)
	go c.run()
	return c
}

// Rooms returns the membership controller bound to this connection.
func (c *Connection) Rooms() *Rooms { return c.rooms }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Status returns the user-visible connection status.
func (c *Connection) Status() Status { return c.State().Status() }

// OnStateChange registers a callback for every state transition.
func (c *Connection) OnStateChange(fn func(StateEvent)) { c.onState.add(fn) }

// OnError registers a callback for surfaced failures: ConnectionFailed,
// AuthenticationRejected and RoomJoinRejected.
func (c *Connection) OnError(fn func(error)) { c.onError.add(fn) }

// Connect opens the transport for identity. It returns immediately; watch
// OnStateChange for progress. It is a no-op while connecting or connected
// and returns ErrConnectionFailed in StateFailed (use ResetConnection).
func (c *Connection) Connect(identity Identity) error {
	var err error
	if e := c.exec(func() { err = c.connect(identity) }); e != nil {
		return e
	}
	return err
}

// Disconnect tears down the transport, clears all memberships and returns
// to StateIdle. Safe to call from any state.
func (c *Connection) Disconnect() error {
	return c.exec(c.disconnect)
}

// ResetConnection clears the retry budget and dials again. It is the only
// way out of StateFailed.
func (c *Connection) ResetConnection() error {
	return c.exec(c.reset)
}

// Send enqueues an outbound event. It fails with ErrSendFailed (wrapping
// ErrNotConnected) unless the connection is at least Connected, and never
// waits on the network.
func (c *Connection) Send(event string, payload any) error {
	var err error
	if e := c.exec(func() { err = c.send(event, payload) }); e != nil {
		return sendFailed(event, e)
	}
	return err
}

// Close disconnects and stops the loop and the notifier.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		_ = c.exec(c.disconnect)
		close(c.quit)
		<-c.done
		c.notify.close()
	})
	return nil
}

// setHandler installs the sink for admitted events. Must run on the loop.
func (c *Connection) setHandler(fn func(Event)) { c.handler = fn }

// exec runs fn on the loop goroutine and waits for it to finish.
func (c *Connection) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(finished); fn() }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post hands an I/O result to the loop. It gives up when ctx is canceled
// or the loop has stopped.
func (c *Connection) post(ctx context.Context, ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

func (c *Connection) run() {
	defer close(c.done)
	for {
		var retryC, heartbeatC <-chan time.Time
		if c.retry != nil {
			retryC = c.retry.C
		}
		if c.heartbeat != nil {
			heartbeatC = c.heartbeat.C
		}

		select {
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			switch e := ev.(type) {
			case dialResult:
				c.onDial(e)
			case inboundFrame:
				c.onFrame(e)
			case linkClosed:
				c.onLinkClosed(e)
			}
		case <-retryC:
			c.retry = nil
			c.dial(StateReconnecting)
		case <-heartbeatC:
			c.sendHeartbeats()
		case <-c.quit:
			return
		}
	}
}

// ============================================================================
// Loop-side operations
// ============================================================================

func (c *Connection) connect(identity Identity) error {
	switch c.current {
	case StateIdle:
	case StateFailed:
		return ErrConnectionFailed
	default:
		return nil
	}
	c.identity = identity
	c.recon.reset()
	c.dial(StateConnecting)
	return nil
}

func (c *Connection) reset() {
	if c.current != StateFailed && c.current != StateIdle {
		return
	}
	if c.current == StateIdle && c.identity == (Identity{}) {
		return
	}
	c.logger.Info("resetting connection")
	c.recon.reset()
	c.dial(StateConnecting)
}

func (c *Connection) disconnect() {
	c.stopRetry()
	c.cancelDial()
	c.gen++
	if c.link != nil {
		c.detach("client disconnect")
	}
	c.rooms.reset()
	c.stopHeartbeat()
	c.recon.reset()
	c.transition(StateIdle, nil)
	c.cfg.Registry.unregister(c.cfg.Feature, c)
}

// dial starts an asynchronous dial and moves to next.
func (c *Connection) dial(next ConnectionState) {
	c.cancelDial()
	c.gen++
	gen := c.gen
	c.transition(next, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	transport := c.cfg.Transport
	go func() {
		link, err := transport.Dial(ctx)
		if !c.post(ctx, dialResult{gen: gen, link: link, err: err}) && link != nil {
			_ = link.Close("dial superseded")
		}
	}()
}

func (c *Connection) onDial(r dialResult) {
	if r.gen != c.gen {
		if r.link != nil {
			_ = r.link.Close("dial superseded")
		}
		return
	}
	c.cancelDial()
	if r.err != nil {
		c.logger.Warn("dial failed", "attempt", c.recon.attempt, "error", r.err)
		c.scheduleReconnect(&Error{Kind: KindTransport, Op: "dial", Err: r.err})
		return
	}

	c.attach(r.link)
	if err := c.emit(EventAuthenticate, authenticatePayload{
		UserID: c.identity.UserID,
		Email:  c.identity.Email,
		Role:   c.identity.Role,
	}); err != nil {
		c.logger.Warn("authenticate failed", "error", err)
		c.detach("authenticate failed")
		c.scheduleReconnect(&Error{Kind: KindTransport, Op: EventAuthenticate, Err: err})
		return
	}
	c.recon.reset()
	c.transition(StateConnected, nil)
	c.cfg.Registry.register(c.cfg.Feature, c)
	c.rooms.connected()
}

func (c *Connection) onFrame(f inboundFrame) {
	if f.gen != c.gen || c.link == nil {
		return
	}
	ev, err := DecodeEvent(f.data)
	if err != nil {
		c.logger.Warn("dropping malformed event", "error", err)
		c.metrics.dropped("malformed")
		return
	}
	c.metrics.received(ev.EventName())

	switch e := ev.(type) {
	case AuthenticationRejected:
		c.logger.Error("authentication rejected", "reason", e.Reason)
		c.fail(&Error{Kind: KindAuthenticationRejected, Op: EventAuthenticate, Reason: e.Reason})
		return
	case RoomJoined:
		if ack, ok := c.rooms.acknowledged(e); ok {
			c.deliver(ack)
		}
		return
	case RoomJoinRejected:
		c.rooms.rejected(e)
		return
	}

	if kind, id, scoped := eventRoom(ev); scoped && !c.rooms.admits(kind, id) {
		c.logger.Debug("dropping event for room not joined", "event", ev.EventName(), "kind", kind, "room", id)
		c.metrics.dropped("not_joined")
		return
	}
	c.deliver(ev)
}

// deliver hands an admitted event to the handler without letting a panic
// escape the loop.
func (c *Connection) deliver(ev Event) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", ev.EventName(), "panic", r)
		}
	}()
	c.handler(ev)
}

func (c *Connection) onLinkClosed(l linkClosed) {
	if l.gen != c.gen || c.link == nil {
		return
	}
	c.logger.Warn("transport closed", "error", l.err)
	c.detach("transport closed")
	c.rooms.dropped()
	c.stopHeartbeat()
	c.scheduleReconnect(&Error{Kind: KindTransport, Op: "read", Err: l.err})
}

func (c *Connection) scheduleReconnect(cause error) {
	if !c.recon.shouldReconnect() {
		c.fail(&Error{Kind: KindConnectionFailed, Err: cause})
		return
	}
	delay := c.recon.nextDelay()
	c.metrics.reconnectAttempt()
	c.logger.Info("scheduling reconnect", "attempt", c.recon.attempt, "delay", delay)
	c.transition(StateReconnecting, cause)
	c.stopRetry()
	c.retry = time.NewTimer(delay)
}

func (c *Connection) fail(err error) {
	c.stopRetry()
	c.cancelDial()
	c.gen++
	if c.link != nil {
		c.detach("connection failed")
	}
	c.rooms.dropped()
	c.stopHeartbeat()
	c.transition(StateFailed, err)
	c.cfg.Registry.unregister(c.cfg.Feature, c)
	c.onError.publish(err)
}

func (c *Connection) send(event string, payload any) error {
	if !c.current.IsConnected() || c.link == nil {
		c.metrics.sent(event, "not_connected")
		return sendFailed(event, ErrNotConnected)
	}
	return c.emit(event, payload)
}

// emit queues a frame on the active link without blocking.
func (c *Connection) emit(event string, payload any) error {
	if c.link == nil {
		c.metrics.sent(event, "not_connected")
		return sendFailed(event, ErrNotConnected)
	}
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		c.metrics.sent(event, "encode_error")
		return sendFailed(event, err)
	}
	select {
	case c.link.out <- frame:
		c.metrics.sent(event, "ok")
		return nil
	default:
		c.metrics.sent(event, "outbox_full")
		return sendFailed(event, errOutboxFull)
	}
}

func (c *Connection) transition(next ConnectionState, err error) {
	prev := c.current
	if prev == next {
		return
	}
	c.current = next
	c.state.Store(int32(next))
	c.metrics.setState(next)
	if err != nil {
		c.logger.Info("connection state changed", "from", prev, "to", next, "error", err)
	} else {
		c.logger.Info("connection state changed", "from", prev, "to", next)
	}
	c.onState.publish(StateEvent{OldState: prev, NewState: next, Error: err})
}

// ============================================================================
// Link plumbing
// ============================================================================

func (c *Connection) attach(link Link) {
	ctx, cancel := context.WithCancel(context.Background())
	al := &activeLink{
		gen:    c.gen,
		link:   link,
		out:    make(chan []byte, c.cfg.SendBuffer),
		cancel: cancel,
	}
	c.link = al
	go c.readLoop(ctx, al)
	go c.writeLoop(ctx, al)
}

func (c *Connection) detach(reason string) {
	al := c.link
	c.link = nil
	al.cancel()
	_ = al.link.Close(reason)
}

func (c *Connection) readLoop(ctx context.Context, al *activeLink) {
	for {
		data, err := al.link.Read(ctx)
		if err != nil {
			c.post(ctx, linkClosed{gen: al.gen, err: err})
			return
		}
		if !c.post(ctx, inboundFrame{gen: al.gen, data: data}) {
			return
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, al *activeLink) {
	for {
		select {
		case frame := <-al.out:
			if err := al.link.Write(ctx, frame); err != nil {
				c.post(ctx, linkClosed{gen: al.gen, err: err})
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) cancelDial() {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
}

func (c *Connection) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

// updateHeartbeat runs the ticker while at least one room is joined.
func (c *Connection) updateHeartbeat() {
	if c.rooms.joinedCount() > 0 && c.link != nil {
		if c.heartbeat == nil {
			c.heartbeat = time.NewTicker(c.cfg.HeartbeatInterval)
		}
		return
	}
	c.stopHeartbeat()
}

func (c *Connection) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// sendHeartbeats is fire-and-forget; a failed heartbeat is never treated
// as a disconnect.
func (c *Connection) sendHeartbeats() {
	for _, m := range c.rooms.joined() {
		if err := c.emit(EventHeartbeat, heartbeatPayload{RoomID: m.RoomID}); err != nil {
			c.logger.Debug("heartbeat not sent", "room", m.RoomID, "error", err)
		}
	}
}
