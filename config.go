package ticketsync

import (
	"io"
	"log/slog"
	"time"
)

// Defaults applied by Config.defaults.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectDelay       = 1500 * time.Millisecond
	DefaultMaxReconnectAttempts = 3
	DefaultSendBuffer           = 64
	DefaultDedupWindow          = time.Second
)

// Config configures a Connection and the Client built on it.
type Config struct {
	// Transport opens the duplex link. Required.
	Transport Transport

	// Feature names the session in Registry (e.g. "chat:T-42"). When
	// Registry is nil, no registration happens.
	Feature  string
	Registry *Registry

	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	SendBuffer           int

	// DedupWindow is the content-dedup window for messages with distinct ids.
	DedupWindow time.Duration

	// LocalEcho inserts sent messages into the message store before the
	// server echo arrives.
	LocalEcho bool

	// Ledger holds notification read-state. Optional.
	Ledger *Ledger

	Logger  *slog.Logger
	Metrics *Metrics

	// Now is the clock used for joinedAt, presence defaults and local echo.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
