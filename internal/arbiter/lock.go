package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"droneops-gcs/internal/schedule"
)

// Lock service function names, relative to {base}/functions/v1/.
const (
	FnAcquire = "gcs-acquire-lock"
	FnHeart   = "gcs-heartbeat"
	FnRelease = "gcs-release-lock"
	FnStatus  = "gcs-lock-status"
)

const (
	DefaultLockHeartbeat = 10 * time.Second
	releaseBeaconTimeout = 2 * time.Second
)

// LockOptions configures a LockClient.
type LockOptions struct {
	BaseURL string
	// ClientID identifies this instance; a random id is generated if empty.
	ClientID          string
	APIKey            string
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Clock             schedule.Clock
	Logger            *slog.Logger
}

// LockStatus is the server's view of the lock record.
type LockStatus struct {
	OwnerID   string    `json:"ownerId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Expired   bool      `json:"expired"`
}

// LockClient arbitrates through the lock service's acquire, heartbeat and
// release functions.
type LockClient struct {
	base     string
	id       string
	apiKey   string
	interval time.Duration
	http     *http.Client
	clock    schedule.Clock
	log      *slog.Logger

	lost     lossSignal
	inflight atomic.Bool

	mu    sync.Mutex
	timer schedule.Timer
}

var _ SessionArbiter = (*LockClient)(nil)

func NewLockClient(opts LockOptions) *LockClient {
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultLockHeartbeat
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
	return &LockClient{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		id:       opts.ClientID,
		apiKey:   opts.APIKey,
		interval: opts.HeartbeatInterval,
		http:     opts.HTTPClient,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "lock", "client_id", opts.ClientID),
	}
}

func (c *LockClient) ClientID() string { return c.id }

func (c *LockClient) OnLost(fn func()) { c.lost.set(fn) }

// Acquire asks for the lock. A successful acquire re-arms the loss callback.
func (c *LockClient) Acquire(ctx context.Context) Result {
	res := c.call(ctx, FnAcquire)
	if res.OK {
		c.lost.arm()
		c.log.Info("lock acquired")
	} else {
		c.log.Warn("lock denied", "result", res.String(), "owner", res.OwnerID)
	}
	return res
}

func (c *LockClient) Heartbeat(ctx context.Context) Result {
	return c.call(ctx, FnHeart)
}

// Release gives the lock up. The service answers ok whether or not this
// client owned it.
func (c *LockClient) Release(ctx context.Context) Result {
	c.lost.disarm()
	res := c.call(ctx, FnRelease)
	if res.OK {
		c.log.Info("lock released")
	}
	return res
}

// ReleaseBeacon is a best-effort release for shutdown paths that cannot
// wait on a slow server.
func (c *LockClient) ReleaseBeacon() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseBeaconTimeout)
	defer cancel()
	if res := c.Release(ctx); !res.OK {
		c.log.Debug("release beacon failed", "result", res.String())
	}
}

func (c *LockClient) StartHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.Every(c.interval, c.tick)
}

func (c *LockClient) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *LockClient) Cleanup() { c.StopHeartbeat() }

// tick sends one heartbeat. A tick that arrives while the previous request
// is still outstanding is skipped.
func (c *LockClient) tick() {
	if !c.inflight.CompareAndSwap(false, true) {
		c.log.Debug("heartbeat still in flight, skipping tick")
		return
	}
	defer c.inflight.Store(false)

	res := c.Heartbeat(context.Background())
	if res.OK {
		return
	}
	c.log.Warn("heartbeat rejected", "result", res.String())
	c.StopHeartbeat()
	c.lost.fire()
}

// Status reports the current lock record.
func (c *LockClient) Status(ctx context.Context) (LockStatus, error) {
	var st LockStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(FnStatus), nil)
	if err != nil {
		return st, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return st, fmt.Errorf("lock status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("lock status: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("lock status: decode: %w", err)
	}
	return st, nil
}

func (c *LockClient) url(fn string) string {
	return c.base + "/functions/v1/" + fn
}

func (c *LockClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *LockClient) call(ctx context.Context, fn string) Result {
	body, err := json.Marshal(map[string]string{"clientId": c.id})
	if err != nil {
		return Failure(CodeInternal, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(fn), bytes.NewReader(body))
	if err != nil {
		return networkFailure(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return networkFailure(err)
	}
	defer resp.Body.Close()
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return networkFailure(fmt.Errorf("decode %s response (%s): %w", fn, resp.Status, err))
	}
	return res
}
