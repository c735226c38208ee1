package arbiter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/schedule"
)

// memSessions is a minimal in-memory sessions table speaking the REST
// filters SessionClient uses. It has no change feed.
type memSessions struct {
	mu   sync.Mutex
	rows map[string]SessionRow
}

func (m *memSessions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != SessionsPath {
		http.NotFound(w, r)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := r.URL.Query()
	match := func(row SessionRow) bool {
		if v := q.Get("session_token"); v != "" && row.SessionToken != strings.TrimPrefix(v, "eq.") {
			return false
		}
		if v := q.Get("expires_at"); v != "" {
			op, ts, _ := strings.Cut(v, ".")
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return false
			}
			if op == "gt" && !row.ExpiresAt.After(t) || op == "lt" && !row.ExpiresAt.Before(t) {
				return false
			}
		}
		return true
	}
	out := []SessionRow{}
	switch r.Method {
	case http.MethodGet:
		for _, row := range m.rows {
			if match(row) {
				out = append(out, row)
			}
		}
	case http.MethodDelete:
		for k, row := range m.rows {
			if match(row) {
				delete(m.rows, k)
			}
		}
	case http.MethodPost:
		var row SessionRow
		json.NewDecoder(r.Body).Decode(&row)
		if _, dup := m.rows[row.SessionToken]; dup {
			http.Error(w, "duplicate", http.StatusConflict)
			return
		}
		m.rows[row.SessionToken] = row
		w.WriteHeader(http.StatusCreated)
		return
	case http.MethodPatch:
		var patch struct {
			ExpiresAt     time.Time `json:"expires_at"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		}
		json.NewDecoder(r.Body).Decode(&patch)
		for k, row := range m.rows {
			if match(row) {
				row.ExpiresAt = patch.ExpiresAt
				hb := patch.LastHeartbeat
				row.LastHeartbeat = &hb
				m.rows[k] = row
				out = append(out, row)
			}
		}
	}
	json.NewEncoder(w).Encode(out)
}

func newSessionPair(t *testing.T, clock schedule.Clock) (*memSessions, func(token string) *SessionClient) {
	t.Helper()
	mem := &memSessions{rows: make(map[string]SessionRow)}
	srv := httptest.NewServer(mem)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	return mem, func(name string) *SessionClient {
		c, err := NewSessionClient(SessionOptions{
			BaseURL:   srv.URL,
			TokenFile: filepath.Join(dir, name),
			Clock:     clock,
			Logger:    logging.Discard(),
		})
		if err != nil {
			t.Fatalf("NewSessionClient: %v", err)
		}
		return c
	}
}

func TestSessionAcquireIsExclusive(t *testing.T) {
	clock := schedule.NewFake(time.Now())
	_, client := newSessionPair(t, clock)
	a, b := client("a"), client("b")

	if res := a.Acquire(context.Background()); !res.OK {
		t.Fatalf("a.Acquire = %v", res)
	}
	if res := a.Acquire(context.Background()); !res.OK {
		t.Fatalf("a re-acquire = %v", res)
	}
	res := b.Acquire(context.Background())
	if res.OK || res.Code != CodeSessionTaken {
		t.Fatalf("b.Acquire = %+v, want SESSION_TAKEN", res)
	}

	if res := a.Release(context.Background()); !res.OK {
		t.Fatalf("a.Release = %v", res)
	}
	if res := b.Acquire(context.Background()); !res.OK {
		t.Fatalf("b.Acquire after release = %v", res)
	}
}

func TestSessionExpiresWithoutHeartbeat(t *testing.T) {
	clock := schedule.NewFake(time.Now())
	_, client := newSessionPair(t, clock)
	a, b := client("a"), client("b")
	a.Acquire(context.Background())

	clock.Advance(DefaultSessionTTL + time.Second)
	if res := b.Acquire(context.Background()); !res.OK {
		t.Fatalf("b.Acquire after expiry = %v", res)
	}
}

func TestSessionHeartbeatExtendsAndDetectsLoss(t *testing.T) {
	clock := schedule.NewFake(time.Now())
	mem, client := newSessionPair(t, clock)
	a := client("a")
	lost := 0
	a.OnLost(func() { lost++ })
	a.Acquire(context.Background())
	a.StartHeartbeat()

	clock.Advance(DefaultSessionHeartbeat)
	mem.mu.Lock()
	row := mem.rows[a.Token()]
	mem.mu.Unlock()
	if row.LastHeartbeat == nil || !row.ExpiresAt.After(clock.Now().Add(DefaultSessionTTL-time.Second)) {
		t.Fatalf("heartbeat did not extend row: %+v", row)
	}

	mem.mu.Lock()
	delete(mem.rows, a.Token())
	mem.mu.Unlock()
	clock.Advance(DefaultSessionHeartbeat)
	if lost != 1 || clock.Pending() != 0 {
		t.Fatalf("lost=%d pending=%d", lost, clock.Pending())
	}
}

func TestSessionChangeFeedEvents(t *testing.T) {
	clock := schedule.NewFake(time.Now())
	mem, client := newSessionPair(t, clock)
	a := client("a")
	lost := 0
	a.OnLost(func() { lost++ })
	a.Acquire(context.Background())

	a.handleChange(Change{EventType: "INSERT", New: &SessionRow{SessionToken: a.Token()}})
	a.handleChange(Change{EventType: "DELETE", Old: &SessionRow{SessionToken: "other"}})
	if lost != 0 {
		t.Fatal("unrelated changes fired lost")
	}

	// A foreign insert while this session is still present is not a loss.
	mem.mu.Lock()
	mem.rows["other"] = SessionRow{SessionToken: "other", ExpiresAt: clock.Now().Add(time.Minute)}
	mem.mu.Unlock()
	a.handleChange(Change{EventType: "INSERT", New: &SessionRow{SessionToken: "other"}})
	if lost != 0 {
		t.Fatal("foreign insert alongside own session fired lost")
	}

	// Own row gone and more than one foreign session: lost.
	mem.mu.Lock()
	delete(mem.rows, a.Token())
	mem.rows["third"] = SessionRow{SessionToken: "third", ExpiresAt: clock.Now().Add(time.Minute)}
	mem.mu.Unlock()
	a.handleChange(Change{EventType: "INSERT", New: &SessionRow{SessionToken: "third"}})
	if lost != 1 {
		t.Fatalf("lost = %d after takeover", lost)
	}

	mem.mu.Lock()
	mem.rows = make(map[string]SessionRow)
	mem.mu.Unlock()
	if res := a.Acquire(context.Background()); !res.OK {
		t.Fatalf("re-acquire = %v", res)
	}
	a.handleChange(Change{EventType: "DELETE", Old: &SessionRow{SessionToken: a.Token()}})
	a.handleChange(Change{EventType: "DELETE", Old: &SessionRow{SessionToken: a.Token()}})
	if lost != 2 {
		t.Fatalf("lost = %d, want exactly one per event", lost)
	}
}

func TestLoadOrCreateTokenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	tok, err := LoadOrCreateToken(path)
	if err != nil || tok == "" {
		t.Fatalf("LoadOrCreateToken = %q, %v", tok, err)
	}
	again, err := LoadOrCreateToken(path)
	if err != nil || again != tok {
		t.Fatalf("token changed: %q vs %q (%v)", again, tok, err)
	}
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fresh, err := LoadOrCreateToken(path)
	if err != nil || fresh == tok || fresh == "" {
		t.Fatalf("empty file should yield a new token, got %q", fresh)
	}
	if mem, _ := LoadOrCreateToken(""); mem == "" {
		t.Fatal("in-memory token is empty")
	}
}
