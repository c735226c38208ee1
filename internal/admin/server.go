// Package admin serves the GCS status API and a read-only status page.
package admin

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"droneops-gcs/internal/command"
	"droneops-gcs/internal/shell"
)

// Controller is the part of shell.Shell the API exposes.
type Controller interface {
	State() shell.State
	MissionCommand(action command.MissionAction) error
	Retry(ctx context.Context) error
}

type Server struct {
	ctl Controller
	tpl *template.Template
	log *slog.Logger
}

//go:embed templates/index.html
var content embed.FS

func NewServer(ctl Controller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	tpl := template.Must(template.New("index.html").ParseFS(content, "templates/index.html"))
	return &Server{ctl: ctl, tpl: tpl, log: log.With("component", "admin")}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/drones", s.handleDrones).Methods(http.MethodGet)
	r.HandleFunc("/mission", s.handleMission).Methods(http.MethodGet)
	r.HandleFunc("/trails", s.handleTrails).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/mission/command", s.handleMissionCommand).Methods(http.MethodPost)
	r.HandleFunc("/retry", s.handleRetry).Methods(http.MethodPost)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("status API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.tpl.Execute(w, s.ctl.State()); err != nil {
		s.log.Error("render index", "err", err)
	}
}

func (s *Server) handleDrones(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.State()
	writeJSON(w, http.StatusOK, map[string]any{"drones": st.Drones, "selected": st.Selected})
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.State()
	writeJSON(w, http.StatusOK, map[string]any{"mission": st.Mission, "plan_id": st.PlanID})
}

func (s *Server) handleTrails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.State().Trails)
}

type health struct {
	OK          bool          `json:"ok"`
	View        shell.View    `json:"view"`
	Link        string        `json:"link"`
	Connected   bool          `json:"connected"`
	Holding     bool          `json:"holding"`
	BlockReason string        `json:"block_reason,omitempty"`
	Alerts      []shell.Alert `json:"alerts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.State()
	writeJSON(w, http.StatusOK, health{
		OK:          st.View == shell.ViewDashboard,
		View:        st.View,
		Link:        st.Link.String(),
		Connected:   st.Connected,
		Holding:     st.Holding,
		BlockReason: st.BlockReason,
		Alerts:      st.Alerts,
	})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, shell.ErrNotOperational):
		return http.StatusConflict
	case errors.Is(err, shell.ErrSelectDrone), errors.Is(err, shell.ErrNoMission):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleMissionCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command command.MissionAction `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	switch body.Command {
	case command.ActionStart, command.ActionPause, command.ActionResume, command.ActionEmergencyReturn:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown command " + string(body.Command)})
		return
	}
	if err := s.ctl.MissionCommand(body.Command); err != nil {
		writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "command": body.Command})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Retry(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
