// Package lockserver serves the command lock and the session table that the
// GCS arbiter clients talk to.
package lockserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"droneops-gcs/internal/arbiter"
	"droneops-gcs/internal/schedule"
)

const DefaultLockTimeout = 60 * time.Second

// Options configures a Server.
type Options struct {
	Store Store
	// Secret enables API key checks on the session endpoints.
	Secret      string
	LockTimeout time.Duration
	Clock       schedule.Clock
	Logger      *slog.Logger
}

type Server struct {
	store   Store
	secret  string
	timeout time.Duration
	clock   schedule.Clock
	log     *slog.Logger
	hub     *Hub
	up      websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Clock == nil {
		opts.Clock = schedule.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "lockserver")
	return &Server{
		store:   opts.Store,
		secret:  opts.Secret,
		timeout: opts.LockTimeout,
		clock:   opts.Clock,
		log:     log,
		hub:     NewHub(log),
		up: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	fn := r.PathPrefix("/functions/v1").Subrouter()
	fn.HandleFunc("/"+arbiter.FnAcquire, s.handleAcquire).Methods(http.MethodPost, http.MethodOptions)
	fn.HandleFunc("/"+arbiter.FnHeart, s.handleHeartbeat).Methods(http.MethodPost, http.MethodOptions)
	fn.HandleFunc("/"+arbiter.FnRelease, s.handleRelease).Methods(http.MethodPost, http.MethodOptions)
	fn.HandleFunc("/"+arbiter.FnStatus, s.handleLockStatus).Methods(http.MethodGet, http.MethodOptions)

	rest := r.PathPrefix(arbiter.SessionsPath).Subrouter()
	rest.Use(s.requireKey)
	rest.HandleFunc("", s.handleListSessions).Methods(http.MethodGet)
	rest.HandleFunc("", s.handleInsertSession).Methods(http.MethodPost)
	rest.HandleFunc("", s.handleUpdateSessions).Methods(http.MethodPatch)
	rest.HandleFunc("", s.handleDeleteSessions).Methods(http.MethodDelete)

	r.Handle(arbiter.FeedPath, s.requireKey(http.HandlerFunc(s.handleFeed))).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subscribers": s.hub.Len()})
	}).Methods(http.MethodGet)
	return cors(r)
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("lock server listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-Info, Apikey, Prefer")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientID decodes {"clientId": "..."}; it writes the error response itself.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		ClientID any `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.log.Warn("bad lock request body", "err", err)
		writeJSON(w, http.StatusInternalServerError, arbiter.Failure(arbiter.CodeInternal, "Internal server error"))
		return "", false
	}
	id, ok := body.ClientID.(string)
	if !ok || id == "" {
		writeJSON(w, http.StatusBadRequest, arbiter.Failure(arbiter.CodeInvalidClient, "clientId is required"))
		return "", false
	}
	return id, true
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	id, ok := s.clientID(w, r)
	if !ok {
		return
	}
	granted, owner, err := s.store.AcquireLock(r.Context(), id, s.clock.Now(), s.timeout)
	if err != nil {
		s.log.Error("acquire lock", "client_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, arbiter.Failure(arbiter.CodeDatabase, "Failed to acquire lock"))
		return
	}
	if !granted {
		res := arbiter.Failure(arbiter.CodeLocked, "another operator is connected to the GCS")
		res.OwnerID = owner
		writeJSON(w, http.StatusLocked, res)
		return
	}
	s.log.Info("lock granted", "client_id", id)
	writeJSON(w, http.StatusOK, arbiter.Success)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.clientID(w, r)
	if !ok {
		return
	}
	ok, err := s.store.HeartbeatLock(r.Context(), id, s.clock.Now(), s.timeout)
	if err != nil {
		s.log.Error("heartbeat", "client_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, arbiter.Failure(arbiter.CodeDatabase, "Failed to update heartbeat"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, arbiter.Failure(arbiter.CodeNotOwner, "lock expired or held by another client"))
		return
	}
	writeJSON(w, http.StatusOK, arbiter.Success)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.clientID(w, r)
	if !ok {
		return
	}
	if err := s.store.ReleaseLock(r.Context(), id, s.clock.Now()); err != nil {
		s.log.Warn("release lock", "client_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, arbiter.Success)
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Lock(r.Context())
	if err != nil {
		s.log.Error("read lock", "err", err)
		writeJSON(w, http.StatusInternalServerError, arbiter.Failure(arbiter.CodeDatabase, "Failed to fetch lock status"))
		return
	}
	st := arbiter.LockStatus{OwnerID: rec.OwnerID, UpdatedAt: rec.UpdatedAt}
	st.Expired = rec.OwnerID != "" && expired(rec, s.clock.Now(), s.timeout)
	writeJSON(w, http.StatusOK, st)
}

// parseFilter reads the session_token=eq.X and expires_at=gt.T / lt.T
// query filters.
func parseFilter(r *http.Request) (SessionFilter, error) {
	var f SessionFilter
	q := r.URL.Query()
	if v := q.Get("session_token"); v != "" {
		tok, ok := strings.CutPrefix(v, "eq.")
		if !ok {
			return f, errors.New("session_token supports eq only")
		}
		f.Token = tok
	}
	if v := q.Get("expires_at"); v != "" {
		op, ts, _ := strings.Cut(v, ".")
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return f, err
		}
		switch op {
		case "gt":
			f.ExpiresAfter = t
		case "lt":
			f.ExpiresBefore = t
		default:
			return f, errors.New("expires_at supports gt and lt only")
		}
	}
	return f, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListSessions(r.Context(), f)
	if err != nil {
		s.log.Error("list sessions", "err", err)
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleInsertSession(w http.ResponseWriter, r *http.Request) {
	var row arbiter.SessionRow
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil || row.SessionToken == "" {
		http.Error(w, "session_token and expires_at are required", http.StatusBadRequest)
		return
	}
	if err := s.store.InsertSession(r.Context(), row); err != nil {
		s.log.Warn("insert session", "err", err)
		http.Error(w, "insert failed", http.StatusConflict)
		return
	}
	s.hub.Broadcast(arbiter.Change{EventType: "INSERT", New: &row})
	writeJSON(w, http.StatusCreated, []arbiter.SessionRow{row})
}

func (s *Server) handleUpdateSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var patch struct {
		ExpiresAt     time.Time `json:"expires_at"`
		LastHeartbeat time.Time `json:"last_heartbeat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch.ExpiresAt.IsZero() {
		http.Error(w, "expires_at is required", http.StatusBadRequest)
		return
	}
	if patch.LastHeartbeat.IsZero() {
		patch.LastHeartbeat = s.clock.Now()
	}
	rows, err := s.store.UpdateSessions(r.Context(), f, patch.ExpiresAt, patch.LastHeartbeat)
	if errors.Is(err, ErrUnfiltered) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("update sessions", "err", err)
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	for i := range rows {
		s.hub.Broadcast(arbiter.Change{EventType: "UPDATE", New: &rows[i]})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeleteSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.DeleteSessions(r.Context(), f)
	if errors.Is(err, ErrUnfiltered) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("delete sessions", "err", err)
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	for i := range rows {
		s.hub.Broadcast(arbiter.Change{EventType: "DELETE", Old: &rows[i]})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("change feed upgrade", "err", err)
		return
	}
	s.hub.Serve(conn)
}
