package ticketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHistoryTimeout = 30 * time.Second
	maxHistoryBody        = 16 << 20
)

// ============================================================================
// HistoryClient
// ============================================================================

// HistoryClient fetches prior messages and notifications over HTTP on
// initial load. Results are raw; pass them through a Reconciler so they
// obey the same dedup rules as pushed events.
type HistoryClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// HistoryOption configures a HistoryClient.
type HistoryOption func(*HistoryClient)

func WithBaseURL(u string) HistoryOption {
	return func(c *HistoryClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the request timeout on a copy of the HTTP client, so a
// shared client passed to WithHTTPClient is left alone.
func WithTimeout(timeout time.Duration) HistoryOption {
	return func(c *HistoryClient) {
		hc := *c.httpClient
		hc.Timeout = timeout
		c.httpClient = &hc
	}
}

func WithHTTPClient(client *http.Client) HistoryOption {
	return func(c *HistoryClient) { c.httpClient = client }
}

func WithHistoryLogger(l *slog.Logger) HistoryOption {
	return func(c *HistoryClient) { c.logger = l }
}

// NewHistoryClient creates a client authenticated with a bearer token.
func NewHistoryClient(token string, opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		token:      token,
		httpClient: &http.Client{Timeout: DefaultHistoryTimeout},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageOptions narrows a history request.
type PageOptions struct {
	Limit  int
	Before string // cursor: id of the oldest entry already held
}

func (o *PageOptions) query() map[string]string {
	if o == nil {
		return nil
	}
	q := map[string]string{}
	if o.Limit > 0 {
		q["limit"] = strconv.Itoa(o.Limit)
	}
	if o.Before != "" {
		q["before"] = o.Before
	}
	return q
}

// historyResult is the response envelope of the history endpoints.
type historyResult struct {
	OK    bool              `json:"ok"`
	Data  []json.RawMessage `json:"data"`
	Error *APIError         `json:"error,omitempty"`
}

// Messages returns the stored messages of a ticket, oldest first. Entries
// that fail validation are skipped.
func (c *HistoryClient) Messages(ctx context.Context, ticketID string, opts *PageOptions) ([]Message, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("history: ticket id is required")
	}
	res, err := c.get(ctx, "/api/tickets/"+url.PathEscape(ticketID)+"/messages", opts.query())
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(res.Data))
	for i, raw := range res.Data {
		var w wireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			c.logger.Warn("skipping malformed history message", "index", i, "error", err)
			continue
		}
		m, err := w.message()
		if err != nil {
			c.logger.Warn("skipping malformed history message", "index", i, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Notifications returns the caller's notification feed.
func (c *HistoryClient) Notifications(ctx context.Context, opts *PageOptions) ([]Notification, error) {
	res, err := c.get(ctx, "/api/notifications", opts.query())
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(res.Data))
	for i, raw := range res.Data {
		var w wireNotification
		if err := json.Unmarshal(raw, &w); err != nil {
			c.logger.Warn("skipping malformed notification", "index", i, "error", err)
			continue
		}
		n, err := w.notification()
		if err != nil {
			c.logger.Warn("skipping malformed notification", "index", i, "error", err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *HistoryClient) get(ctx context.Context, path string, query map[string]string) (*historyResult, error) {
	data, status, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[historyResult](data)
	if err != nil {
		if status >= 400 {
			return nil, fmt.Errorf("history %s: HTTP %d", path, status)
		}
		return nil, err
	}
	if !res.OK || status >= 400 {
		if res.Error != nil {
			return nil, fmt.Errorf("history %s: %w", path, res.Error)
		}
		return nil, fmt.Errorf("history %s: HTTP %d", path, status)
	}
	return res, nil
}

func (c *HistoryClient) doRequest(ctx context.Context, method, path string, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
