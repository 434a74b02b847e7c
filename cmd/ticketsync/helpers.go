package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/helpdesk-io/ticketsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const connectTimeout = 15 * time.Second

// session bundles what every realtime command needs.
type session struct {
	cfg      *Config
	identity ticketsync.Identity
	logger   *slog.Logger
	client   *ticketsync.Client
	ledger   *ticketsync.Ledger
	kv       ticketsync.KVStore
	history  *ticketsync.HistoryClient
	closers  []func() error
}

// openSession loads the config, opens the ledger and builds a Client. The
// client is not connected yet.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no access token. Run 'ticketsync init <token>' first")
	}
	if cfg.Server.URL == "" {
		return nil, errors.New("no server URL. Run 'ticketsync config set server.url <url>' first")
	}

	s := &session{
		cfg: cfg,
		identity: ticketsync.Identity{
			UserID: cfg.Auth.UserID,
			Email:  cfg.Auth.Email,
			Role:   cfg.Auth.Role,
		},
		logger: newLogger(),
	}

	s.kv, s.ledger, err = openLedger(cfg, s.identity.UserID)
	if err != nil {
		return nil, err
	}
	if c, ok := s.kv.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}

	metrics, stop := startMetrics(s.logger)
	if stop != nil {
		s.closers = append(s.closers, stop)
	}

	rt, err := realtimeConfig(cfg.Realtime)
	if err != nil {
		s.Close()
		return nil, err
	}
	rt.Transport = &ticketsync.WebSocketTransport{
		URL:          ticketsync.WebSocketURL(cfg.Server.URL),
		Token:        cfg.Auth.Token,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	rt.Ledger = s.ledger
	rt.LocalEcho = chatEcho
	rt.Logger = s.logger
	rt.Metrics = metrics

	s.client, err = ticketsync.NewClient(rt)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append([]func() error{s.client.Close}, s.closers...)

	s.history = ticketsync.NewHistoryClient(cfg.Auth.Token,
		ticketsync.WithBaseURL(valueOrDefault(cfg.Server.APIURL, cfg.Server.URL)),
		ticketsync.WithHistoryLogger(s.logger),
	)
	return s, nil
}

// connect authenticates and waits until the connection is up.
func (s *session) connect(ctx context.Context) error {
	up := make(chan error, 1)
	s.client.OnStateChange(func(ev ticketsync.StateEvent) {
		var err error
		switch {
		case ev.NewState.IsConnected():
		case ev.NewState == ticketsync.StateFailed:
			err = ev.Error
			if err == nil {
				err = ticketsync.ErrConnectionFailed
			}
		default:
			return
		}
		select {
		case up <- err:
		default:
		}
	})
	s.client.OnError(func(err error) {
		if errors.Is(err, ticketsync.ErrRoomJoinRejected) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	})

	if err := s.client.Connect(s.identity); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	select {
	case err := <-up:
		return err
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	}
}

// Close releases the client and the ledger store.
func (s *session) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}

// ============================================================================
// Building blocks
// ============================================================================

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func realtimeConfig(rc ConfigRealtime) (ticketsync.Config, error) {
	var cfg ticketsync.Config
	if rc.HeartbeatInterval != "" {
		d, err := time.ParseDuration(rc.HeartbeatInterval)
		if err != nil {
			return cfg, fmt.Errorf("realtime.heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if rc.ReconnectDelay != "" {
		d, err := time.ParseDuration(rc.ReconnectDelay)
		if err != nil {
			return cfg, fmt.Errorf("realtime.reconnect_delay: %w", err)
		}
		cfg.ReconnectDelay = d
	}
	cfg.MaxReconnectAttempts = rc.MaxReconnectAttempts
	return cfg, nil
}

// ledgerLocation resolves the configured backend and its path, applying
// the defaults under ~/.ticketsync.
func ledgerLocation(cfg *Config) (backend, path string, err error) {
	dir, err := configDir()
	if err != nil {
		return "", "", err
	}
	switch cfg.Ledger.Backend {
	case "sqlite":
		return "sqlite", valueOrDefault(cfg.Ledger.Path, filepath.Join(dir, "ledger.db")), nil
	case "", "file":
		return "file", valueOrDefault(cfg.Ledger.Path, filepath.Join(dir, "ledger")), nil
	default:
		return "", "", fmt.Errorf("unknown ledger backend %q (valid: file, sqlite)", cfg.Ledger.Backend)
	}
}

// openLedger opens the configured read-state backend. Each user gets its
// own namespace so a shared machine keeps read marks apart.
func openLedger(cfg *Config, userID string) (ticketsync.KVStore, *ticketsync.Ledger, error) {
	backend, path, err := ledgerLocation(cfg)
	if err != nil {
		return nil, nil, err
	}

	var kv ticketsync.KVStore
	if backend == "sqlite" {
		store, err := ticketsync.OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		kv = store
	} else {
		store, err := ticketsync.NewFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		kv = store
	}

	var opts []ticketsync.LedgerOption
	if userID != "" {
		opts = append(opts, ticketsync.WithLedgerNamespace(ticketsync.LedgerNamespace+"."+userID))
	}
	ledger, err := ticketsync.OpenLedger(kv, opts...)
	if err != nil {
		if c, ok := kv.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, nil, err
	}
	return kv, ledger, nil
}

// startMetrics serves Prometheus metrics when --metrics-addr is set and
// returns the function that stops the server.
func startMetrics(logger *slog.Logger) (*ticketsync.Metrics, func() error) {
	if metricsAddr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := ticketsync.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", metricsAddr, "error", err)
		}
	}()
	return metrics, srv.Close
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
