package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"droneops-gcs/internal/command"
	"droneops-gcs/internal/link"
	"droneops-gcs/internal/shell"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/trail"
)

type fakeController struct {
	state    shell.State
	err      error
	commands []command.MissionAction
	retries  int
}

func (f *fakeController) State() shell.State { return f.state }

func (f *fakeController) MissionCommand(a command.MissionAction) error {
	f.commands = append(f.commands, a)
	return f.err
}

func (f *fakeController) Retry(context.Context) error {
	f.retries++
	return f.err
}

func dashboardState() shell.State {
	lat, lon := 37.5, 127.0
	return shell.State{
		View:      shell.ViewDashboard,
		Link:      link.Connected,
		Connected: true,
		Holding:   true,
		Drones: []telemetry.DroneStatus{
			{ID: "d1", Connected: true, Battery: 75, Status: telemetry.SeverityNormal, Latitude: &lat, Longitude: &lon},
		},
		Mission:  &telemetry.MissionStatus{MissionID: "m1", State: telemetry.MissionActive, DroneIDs: []string{"d1"}},
		Trails:   trail.Trails{"d1": {{Lat: lat, Lng: lon}}},
		Selected: []string{"d1"},
	}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleDrones(t *testing.T) {
	server := NewServer(&fakeController{state: dashboardState()}, nil)
	w := do(t, server, http.MethodGet, "/drones", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status OK, got %v", w.Code)
	}
	var data struct {
		Drones   []telemetry.DroneStatus `json:"drones"`
		Selected []string                `json:"selected"`
	}
	if err := json.NewDecoder(w.Body).Decode(&data); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(data.Drones) != 1 || data.Drones[0].ID != "d1" || !data.Drones[0].HasFix() {
		t.Errorf("unexpected drones: %+v", data.Drones)
	}
	if len(data.Selected) != 1 {
		t.Errorf("unexpected selection: %v", data.Selected)
	}
}

func TestHandleMissionAndTrails(t *testing.T) {
	server := NewServer(&fakeController{state: dashboardState()}, nil)
	w := do(t, server, http.MethodGet, "/mission", "")
	if !strings.Contains(w.Body.String(), `"state":"ACTIVE"`) {
		t.Errorf("mission body = %s", w.Body)
	}
	w = do(t, server, http.MethodGet, "/trails", "")
	var trails map[string][]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&trails); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(trails["d1"]) != 1 {
		t.Errorf("unexpected trails: %v", trails)
	}
}

func TestHandleHealth(t *testing.T) {
	blocked := shell.State{View: shell.ViewBlocked, Link: link.Disconnected, BlockReason: "taken"}
	cases := []struct {
		state shell.State
		ok    bool
		view  string
	}{
		{dashboardState(), true, "dashboard"},
		{blocked, false, "blocked"},
	}
	for _, c := range cases {
		server := NewServer(&fakeController{state: c.state}, nil)
		w := do(t, server, http.MethodGet, "/health", "")
		var h struct {
			OK   bool   `json:"ok"`
			View string `json:"view"`
			Link string `json:"link"`
		}
		if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if h.OK != c.ok || h.View != c.view {
			t.Errorf("health = %+v, want ok=%v view=%s", h, c.ok, c.view)
		}
	}
}

func TestHandleMissionCommand(t *testing.T) {
	ctl := &fakeController{state: dashboardState()}
	server := NewServer(ctl, nil)
	w := do(t, server, http.MethodPost, "/mission/command", `{"command":"PAUSE"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status OK, got %v: %s", w.Code, w.Body)
	}
	if len(ctl.commands) != 1 || ctl.commands[0] != command.ActionPause {
		t.Fatalf("commands = %v", ctl.commands)
	}

	cases := []struct {
		body string
		err  error
		code int
	}{
		{`{"command":"LAUNCH"}`, nil, http.StatusBadRequest},
		{`not json`, nil, http.StatusBadRequest},
		{`{"command":"START"}`, shell.ErrNotOperational, http.StatusConflict},
		{`{"command":"RESUME"}`, shell.ErrNoMission, http.StatusUnprocessableEntity},
		{`{"command":"START"}`, link.ErrNotConnected, http.StatusBadGateway},
	}
	for _, c := range cases {
		ctl.err = c.err
		if w := do(t, server, http.MethodPost, "/mission/command", c.body); w.Code != c.code {
			t.Errorf("%s (%v): status %d, want %d", c.body, c.err, w.Code, c.code)
		}
	}
}

func TestHandleMissionCommandRejectsGet(t *testing.T) {
	server := NewServer(&fakeController{}, nil)
	if w := do(t, server, http.MethodGet, "/mission/command", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleIndex(t *testing.T) {
	st := dashboardState()
	st.Alerts = []shell.Alert{{Level: "warn", Message: "battery low on d1"}}
	server := NewServer(&fakeController{state: st}, nil)
	w := do(t, server, http.MethodGet, "/", "")
	body := w.Body.String()
	for _, want := range []string{"dashboard", "d1", "75%", "Mission m1: ACTIVE", "battery low on d1"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
}

func TestHandleRetry(t *testing.T) {
	ctl := &fakeController{}
	server := NewServer(ctl, nil)
	if w := do(t, server, http.MethodPost, "/retry", ""); w.Code != http.StatusOK || ctl.retries != 1 {
		t.Fatalf("status = %d retries = %d", w.Code, ctl.retries)
	}
}
