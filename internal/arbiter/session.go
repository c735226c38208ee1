package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"droneops-gcs/internal/schedule"
)

const (
	SessionsPath = "/rest/v1/active_sessions"
	FeedPath     = "/realtime/v1/active_sessions"

	DefaultSessionTTL       = 5 * time.Minute
	DefaultSessionHeartbeat = 30 * time.Second
)

// SessionRow is one row of the active_sessions table.
type SessionRow struct {
	SessionToken  string     `json:"session_token"`
	ExpiresAt     time.Time  `json:"expires_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Change is one change-feed event on the sessions table.
type Change struct {
	EventType string      `json:"eventType"`
	New       *SessionRow `json:"new,omitempty"`
	Old       *SessionRow `json:"old,omitempty"`
}

// SessionOptions configures a SessionClient.
type SessionOptions struct {
	BaseURL string
	APIKey  string
	// TokenFile persists the session token across runs. Empty keeps the
	// token in memory only.
	TokenFile         string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Clock             schedule.Clock
	Logger            *slog.Logger
}

// SessionClient arbitrates through a session row with a TTL and a change
// feed that reports takeovers.
type SessionClient struct {
	base     string
	apiKey   string
	token    string
	ttl      time.Duration
	interval time.Duration
	http     *http.Client
	clock    schedule.Clock
	log      *slog.Logger

	lost lossSignal

	mu    sync.Mutex
	timer schedule.Timer
	feed  *websocket.Conn
}

var _ SessionArbiter = (*SessionClient)(nil)

// NewSessionClient loads or creates the session token.
func NewSessionClient(opts SessionOptions) (*SessionClient, error) {
	token, err := LoadOrCreateToken(opts.TokenFile)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultSessionHeartbeat
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = schedule.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionClient{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		token:    token,
		ttl:      opts.TTL,
		interval: opts.HeartbeatInterval,
		http:     opts.HTTPClient,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "session"),
	}, nil
}

// LoadOrCreateToken returns the token stored in path, creating and saving a
// new one when the file is missing or empty. An empty path yields a fresh
// token that is not saved.
func LoadOrCreateToken(path string) (string, error) {
	if path == "" {
		return uuid.NewString(), nil
	}
	b, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read session token: %w", err)
	}
	tok := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session token: %w", err)
	}
	return tok, nil
}

func (c *SessionClient) Token() string { return c.token }

func (c *SessionClient) OnLost(fn func()) { c.lost.set(fn) }

// Acquire claims the single session slot. Expired rows are purged first;
// an unexpired row for this token is refreshed, one for another token
// denies the claim, and an empty table gets a fresh row.
func (c *SessionClient) Acquire(ctx context.Context) Result {
	now := c.clock.Now()
	if err := c.do(ctx, http.MethodDelete, eq("expires_at", "lt", now), nil, nil); err != nil {
		c.log.Warn("expired session cleanup failed", "err", err)
	}

	active, err := c.listActive(ctx)
	if err != nil {
		return networkFailure(err)
	}
	if len(active) > 0 {
		if !containsToken(active, c.token) {
			c.log.Warn("session held by another instance")
			return Failure(CodeSessionTaken, "another operator is connected")
		}
		if res := c.Heartbeat(ctx); !res.OK {
			return res
		}
		return c.acquired(ctx)
	}

	var mine []SessionRow
	if err := c.do(ctx, http.MethodGet, c.tokenQuery(), nil, &mine); err != nil {
		return networkFailure(err)
	}
	if len(mine) > 0 {
		if err := c.do(ctx, http.MethodDelete, c.tokenQuery(), nil, nil); err != nil {
			return networkFailure(err)
		}
	}
	row := SessionRow{SessionToken: c.token, ExpiresAt: now.Add(c.ttl).UTC()}
	if err := c.do(ctx, http.MethodPost, nil, row, nil); err != nil {
		c.log.Error("create session failed", "err", err)
		return Failure(CodeSessionCreate, "failed to create session")
	}
	return c.acquired(ctx)
}

func (c *SessionClient) acquired(ctx context.Context) Result {
	if err := c.subscribe(ctx); err != nil {
		c.log.Warn("session change feed unavailable", "err", err)
	}
	c.lost.arm()
	c.log.Info("session acquired")
	return Success
}

// Heartbeat extends this session's expiry. It fails with CodeNotOwner when
// the row no longer exists.
func (c *SessionClient) Heartbeat(ctx context.Context) Result {
	now := c.clock.Now().UTC()
	patch := map[string]time.Time{"last_heartbeat": now, "expires_at": now.Add(c.ttl)}
	var updated []SessionRow
	if err := c.do(ctx, http.MethodPatch, c.tokenQuery(), patch, &updated); err != nil {
		return networkFailure(err)
	}
	if len(updated) == 0 {
		return Failure(CodeNotOwner, "session no longer exists")
	}
	return Success
}

// Release stops heartbeats and the change feed, then deletes the row.
func (c *SessionClient) Release(ctx context.Context) Result {
	c.lost.disarm()
	c.Cleanup()
	if err := c.do(ctx, http.MethodDelete, c.tokenQuery(), nil, nil); err != nil {
		return networkFailure(err)
	}
	c.log.Info("session released")
	return Success
}

// ReleaseBeacon is a best-effort Release bounded by a short timeout.
func (c *SessionClient) ReleaseBeacon() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseBeaconTimeout)
	defer cancel()
	if res := c.Release(ctx); !res.OK {
		c.log.Debug("release beacon failed", "result", res.String())
	}
}

func (c *SessionClient) StartHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.Every(c.interval, c.tick)
}

func (c *SessionClient) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Cleanup stops the heartbeat and closes the change feed.
func (c *SessionClient) Cleanup() {
	c.StopHeartbeat()
	c.mu.Lock()
	feed := c.feed
	c.feed = nil
	c.mu.Unlock()
	if feed != nil {
		feed.Close()
	}
}

// tick refreshes the session. Transport errors are retried on the next
// tick; a missing row means the session was taken.
func (c *SessionClient) tick() {
	res := c.Heartbeat(context.Background())
	switch {
	case res.OK:
	case res.Code == CodeNotOwner:
		c.log.Warn("session heartbeat found no session")
		c.StopHeartbeat()
		c.lost.fire()
	default:
		c.log.Warn("session heartbeat failed", "result", res.String())
	}
}

func (c *SessionClient) subscribe(ctx context.Context) error {
	u, err := url.Parse(c.base + FeedPath)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), c.headers())
	if err != nil {
		return fmt.Errorf("dial change feed: %w", err)
	}
	c.mu.Lock()
	old := c.feed
	c.feed = ws
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go c.readFeed(ws)
	return nil
}

func (c *SessionClient) readFeed(ws *websocket.Conn) {
	for {
		var ch Change
		if err := ws.ReadJSON(&ch); err != nil {
			c.mu.Lock()
			current := c.feed == ws
			c.mu.Unlock()
			if current {
				c.log.Warn("session change feed closed", "err", err)
			}
			return
		}
		c.handleChange(ch)
	}
}

func (c *SessionClient) handleChange(ch Change) {
	switch ch.EventType {
	case "DELETE":
		if ch.Old != nil && ch.Old.SessionToken == c.token {
			c.log.Warn("session row deleted")
			c.StopHeartbeat()
			c.lost.fire()
		}
	case "INSERT":
		if ch.New == nil || ch.New.SessionToken == c.token {
			return
		}
		active, err := c.listActive(context.Background())
		if err != nil {
			c.log.Warn("session re-check failed", "err", err)
			return
		}
		if len(active) > 1 && !containsToken(active, c.token) {
			c.log.Warn("session taken over", "by", ch.New.SessionToken)
			c.StopHeartbeat()
			c.lost.fire()
		}
	}
}

func (c *SessionClient) listActive(ctx context.Context) ([]SessionRow, error) {
	var rows []SessionRow
	err := c.do(ctx, http.MethodGet, eq("expires_at", "gt", c.clock.Now()), nil, &rows)
	return rows, err
}

func (c *SessionClient) tokenQuery() url.Values {
	return url.Values{"session_token": {"eq." + c.token}}
}

func eq(col, op string, t time.Time) url.Values {
	return url.Values{col: {op + "." + t.UTC().Format(time.RFC3339Nano)}}
}

func containsToken(rows []SessionRow, token string) bool {
	for _, r := range rows {
		if r.SessionToken == token {
			return true
		}
	}
	return false
}

func (c *SessionClient) headers() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("apikey", c.apiKey)
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

// do issues one REST request against the sessions table. out, when non-nil,
// receives the decoded response rows.
func (c *SessionClient) do(ctx context.Context, method string, q url.Values, in, out any) error {
	target := c.base + SessionsPath
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header = c.headers()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out != nil {
		req.Header.Set("Prefer", "return=representation")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, SessionsPath, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", SessionsPath, err)
	}
	return nil
}
