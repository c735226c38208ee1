// Package shell composes the bridge link and the operator arbiter into the
// view and command surface used by the TUI and the status API.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"droneops-gcs/internal/arbiter"
	"droneops-gcs/internal/command"
	"droneops-gcs/internal/fanout"
	"droneops-gcs/internal/link"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/trail"
)

// View is the screen the operator should see.
type View int

const (
	ViewGate View = iota
	ViewBlocked
	ViewDashboard
)

func (v View) String() string {
	switch v {
	case ViewBlocked:
		return "blocked"
	case ViewDashboard:
		return "dashboard"
	default:
		return "gate"
	}
}

func (v View) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

var (
	ErrNotOperational = errors.New("shell: commands are only accepted on the dashboard")
	ErrSelectDrone    = errors.New("shell: select at least one drone")
	ErrSelectOne      = errors.New("shell: manual control needs exactly one selected drone")
	ErrNoMission      = errors.New("shell: no mission has been uploaded")
)

// Link is the part of link.Manager the shell drives.
type Link interface {
	Connect(url string) error
	Disconnect()
	Connected() bool
	State() link.State
	Snapshot() link.Snapshot
	Publish(cmd command.Command) error
	ClearTrails()
	OnConnectionChange(fn func(bool)) func()
	OnStatusUpdate(fn func([]telemetry.DroneStatus)) func()
	OnMissionStatusUpdate(fn func(*telemetry.MissionStatus)) func()
}

// Alert is an operator-visible message.
type Alert struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Options configures a Shell.
type Options struct {
	BridgeURL string
	Link      Link
	Arbiter   arbiter.SessionArbiter
	Logger    *slog.Logger
	MaxAlerts int
	// Mission plan defaults.
	CruiseAltitudeM float64
	CruiseSpeedMPS  float64
	TakeoffAltM     float64
}

// State is a point-in-time copy of everything the shell shows.
type State struct {
	View        View                     `json:"view"`
	Link        link.State               `json:"link"`
	Connected   bool                     `json:"connected"`
	Holding     bool                     `json:"holding"`
	BlockReason string                   `json:"block_reason,omitempty"`
	Drones      []telemetry.DroneStatus  `json:"drones"`
	Mission     *telemetry.MissionStatus `json:"mission,omitempty"`
	Trails      trail.Trails             `json:"trails"`
	Selected    []string                 `json:"selected"`
	PlanID      string                   `json:"plan_id,omitempty"`
	Alerts      []Alert                  `json:"alerts"`
}

// Shell owns view selection, drone selection and operator commands.
type Shell struct {
	url  string
	link Link
	arb  arbiter.SessionArbiter
	log  *slog.Logger
	opts Options

	changes fanout.Registry[struct{}]
	unsubs  []func()

	mu          sync.Mutex
	connected   bool
	holding     bool
	blocked     bool
	blockReason string
	drones      []telemetry.DroneStatus
	mission     *telemetry.MissionStatus
	selected    map[string]bool
	planID      string
	alerts      []Alert
}

func New(opts Options) *Shell {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = 50
	}
	if opts.CruiseAltitudeM <= 0 {
		opts.CruiseAltitudeM = 20
	}
	if opts.CruiseSpeedMPS <= 0 {
		opts.CruiseSpeedMPS = 5
	}
	if opts.TakeoffAltM <= 0 {
		opts.TakeoffAltM = 10
	}
	s := &Shell{
		url:      opts.BridgeURL,
		link:     opts.Link,
		arb:      opts.Arbiter,
		log:      opts.Logger.With("component", "shell"),
		opts:     opts,
		selected: make(map[string]bool),
	}
	s.unsubs = []func(){
		s.link.OnConnectionChange(s.onConnection),
		s.link.OnStatusUpdate(s.onStatus),
		s.link.OnMissionStatusUpdate(s.onMission),
	}
	s.arb.OnLost(s.onLost)
	return s
}

// OnChange registers fn to run after any visible state changes.
func (s *Shell) OnChange(fn func()) func() {
	sub := s.changes.Subscribe(func(struct{}) { fn() })
	return sub.Unsubscribe
}

func (s *Shell) changed() { s.changes.Publish(struct{}{}) }

func (s *Shell) onConnection(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
	s.changed()
}

// onStatus keeps the latest frame and drops selections for drones that
// disappeared from it.
func (s *Shell) onStatus(drones []telemetry.DroneStatus) {
	s.mu.Lock()
	s.drones = drones
	if len(drones) > 0 {
		present := make(map[string]bool, len(drones))
		for _, d := range drones {
			present[d.ID] = true
		}
		for id := range s.selected {
			if !present[id] {
				delete(s.selected, id)
			}
		}
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Shell) onMission(ms *telemetry.MissionStatus) {
	s.mu.Lock()
	s.mission = ms
	s.mu.Unlock()
	s.changed()
}

func (s *Shell) onLost() {
	s.log.Warn("operator control lost")
	s.mu.Lock()
	s.holding = false
	s.blocked = true
	s.blockReason = "Control was taken over by another operator."
	s.addAlertLocked("error", s.blockReason)
	s.mu.Unlock()
	s.link.Disconnect()
	s.changed()
}

// View derives the current screen.
func (s *Shell) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Shell) viewLocked() View {
	switch {
	case s.blocked:
		return ViewBlocked
	case s.holding && s.connected:
		return ViewDashboard
	default:
		return ViewGate
	}
}

// Start acquires operator control and connects to the bridge. A denied or
// failed acquire moves the shell to ViewBlocked.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	s.blocked = false
	s.blockReason = ""
	s.mu.Unlock()
	s.changed()

	res := s.arb.Acquire(ctx)
	if !res.OK {
		s.block(res)
		return fmt.Errorf("acquire control: %s", res)
	}
	s.arb.StartHeartbeat()
	s.mu.Lock()
	s.holding = true
	s.mu.Unlock()

	if err := s.link.Connect(s.url); err != nil {
		s.arb.StopHeartbeat()
		s.arb.Release(ctx)
		s.mu.Lock()
		s.holding = false
		s.addAlertLocked("error", fmt.Sprintf("Cannot connect to %s: %v", s.url, err))
		s.mu.Unlock()
		s.changed()
		return err
	}
	s.log.Info("operator control acquired", "bridge", s.url)
	s.changed()
	return nil
}

// Retry is Start after a block.
func (s *Shell) Retry(ctx context.Context) error { return s.Start(ctx) }

// Stop releases control and disconnects.
func (s *Shell) Stop(ctx context.Context) {
	s.stop(func() {
		if res := s.arb.Release(ctx); !res.OK {
			s.log.Warn("release failed", "result", res.String())
		}
	})
}

func (s *Shell) stop(release func()) {
	s.mu.Lock()
	holding := s.holding
	s.holding = false
	s.mu.Unlock()
	s.arb.StopHeartbeat()
	if holding {
		release()
	}
	s.arb.Cleanup()
	s.link.Disconnect()
	s.changed()
}

// Close is the teardown path: control is given back with a bounded
// best-effort release, then the shell detaches from the link. Safe to call
// more than once.
func (s *Shell) Close() {
	s.stop(s.arb.ReleaseBeacon)
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (s *Shell) block(res arbiter.Result) {
	reason := "Another operator is already controlling the fleet."
	switch res.Code {
	case arbiter.CodeLocked:
		if res.OwnerID != "" {
			reason = fmt.Sprintf("Another operator (%s) is already controlling the fleet.", res.OwnerID)
		}
	case arbiter.CodeSessionTaken:
	default:
		reason = fmt.Sprintf("Could not acquire control: %s", res)
	}
	s.log.Warn("operator control denied", "result", res.String())
	s.mu.Lock()
	s.blocked = true
	s.blockReason = reason
	s.addAlertLocked("error", reason)
	s.mu.Unlock()
	s.changed()
}

func (s *Shell) addAlertLocked(level, msg string) {
	s.alerts = append(s.alerts, Alert{Time: time.Now(), Level: level, Message: msg})
	if over := len(s.alerts) - s.opts.MaxAlerts; over > 0 {
		s.alerts = append([]Alert(nil), s.alerts[over:]...)
	}
}

// Alert records an operator-visible message.
func (s *Shell) Alert(level, msg string) {
	s.mu.Lock()
	s.addAlertLocked(level, msg)
	s.mu.Unlock()
	s.changed()
}

// Toggle flips the selection of a drone present in the latest frame.
func (s *Shell) Toggle(id string) {
	s.mu.Lock()
	found := false
	for _, d := range s.drones {
		if d.ID == id {
			found = true
			break
		}
	}
	if found {
		if s.selected[id] {
			delete(s.selected, id)
		} else {
			s.selected[id] = true
		}
	}
	s.mu.Unlock()
	if found {
		s.changed()
	}
}

// SelectAll selects every drone, or clears the selection when all are
// already selected.
func (s *Shell) SelectAll() {
	s.mu.Lock()
	all := len(s.drones) > 0 && len(s.selected) == len(s.drones)
	s.selected = make(map[string]bool)
	if !all {
		for _, d := range s.drones {
			s.selected[d.ID] = true
		}
	}
	s.mu.Unlock()
	s.changed()
}

// Selected returns the selected drone ids in sorted order.
func (s *Shell) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedLocked()
}

func (s *Shell) selectedLocked() []string {
	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns a copy of the shell's visible state.
func (s *Shell) State() State {
	snap := s.link.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		View:        s.viewLocked(),
		Link:        snap.State,
		Connected:   s.connected,
		Holding:     s.holding,
		BlockReason: s.blockReason,
		Drones:      append([]telemetry.DroneStatus(nil), s.drones...),
		Mission:     s.mission,
		Trails:      snap.Trails,
		Selected:    s.selectedLocked(),
		PlanID:      s.planID,
		Alerts:      append([]Alert(nil), s.alerts...),
	}
	return st
}

// publish sends cmd if the dashboard is active, raising an alert on any
// failure.
func (s *Shell) publish(what string, cmd command.Command) error {
	if s.View() != ViewDashboard {
		s.Alert("warn", what+" refused: not in control of a connected fleet")
		return ErrNotOperational
	}
	if err := s.link.Publish(cmd); err != nil {
		s.log.Error("command not sent", "command", what, "err", err)
		s.Alert("error", fmt.Sprintf("%s failed: %v", what, err))
		return err
	}
	s.log.Info("command sent", "command", what)
	return nil
}

func (s *Shell) reject(what string, err error) error {
	s.Alert("warn", fmt.Sprintf("%s: %v", what, err))
	return err
}

// SendPlan uploads a mission plan for the selected drones.
func (s *Shell) SendPlan(wps []command.Waypoint) error {
	ids := s.Selected()
	if len(ids) == 0 {
		return s.reject("Mission plan", ErrSelectDrone)
	}
	plan := command.NewMissionPlan(ids, wps, s.opts.CruiseAltitudeM, s.opts.CruiseSpeedMPS)
	if err := s.publish("Mission plan", plan); err != nil {
		return err
	}
	s.link.ClearTrails()
	s.mu.Lock()
	s.planID = plan.MissionID
	s.mu.Unlock()
	s.changed()
	return nil
}

// SendPlanAroundSelection uploads a square patrol of half-side halfDeg
// centred on the selected drones that have a fix.
func (s *Shell) SendPlanAroundSelection(halfDeg float64) error {
	s.mu.Lock()
	var lat, lon float64
	n := 0
	for _, d := range s.drones {
		if s.selected[d.ID] && d.HasFix() {
			lat += *d.Latitude
			lon += *d.Longitude
			n++
		}
	}
	s.mu.Unlock()
	if n == 0 {
		return s.reject("Mission plan", errors.New("no selected drone has a position fix"))
	}
	return s.SendPlan(SquarePatrol(lat/float64(n), lon/float64(n), halfDeg, s.opts.CruiseAltitudeM))
}

// SquarePatrol returns four corner waypoints around a centre point.
func SquarePatrol(lat, lon, halfDeg, alt float64) []command.Waypoint {
	return []command.Waypoint{
		{Lat: lat + halfDeg, Lon: lon - halfDeg, Alt: alt},
		{Lat: lat + halfDeg, Lon: lon + halfDeg, Alt: alt},
		{Lat: lat - halfDeg, Lon: lon + halfDeg, Alt: alt},
		{Lat: lat - halfDeg, Lon: lon - halfDeg, Alt: alt},
	}
}

// missionID is the mission commands apply to: the one the bridge reports,
// else the last uploaded plan.
func (s *Shell) missionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mission != nil && s.mission.MissionID != "" && !s.mission.State.EndsMission() {
		return s.mission.MissionID
	}
	return s.planID
}

func (s *Shell) missionCommand(what string, action command.MissionAction) error {
	id := s.missionID()
	if id == "" {
		return s.reject(what, ErrNoMission)
	}
	return s.publish(what, command.MissionCommand{MissionID: id, Command: action})
}

func (s *Shell) StartMission() error {
	if len(s.Selected()) == 0 {
		return s.reject("Start mission", ErrSelectDrone)
	}
	if err := s.missionCommand("Start mission", command.ActionStart); err != nil {
		return err
	}
	s.link.ClearTrails()
	return nil
}

func (s *Shell) PauseMission() error {
	return s.missionCommand("Pause mission", command.ActionPause)
}

func (s *Shell) ResumeMission() error {
	return s.missionCommand("Resume mission", command.ActionResume)
}

func (s *Shell) EmergencyReturn() error {
	return s.missionCommand("Emergency return", command.ActionEmergencyReturn)
}

// TogglePause pauses an active mission or resumes a paused one.
func (s *Shell) TogglePause() error {
	s.mu.Lock()
	paused := s.mission != nil && s.mission.State == telemetry.MissionPaused
	s.mu.Unlock()
	if paused {
		return s.ResumeMission()
	}
	return s.PauseMission()
}

// MissionCommand dispatches a mission action by name.
func (s *Shell) MissionCommand(action command.MissionAction) error {
	switch action {
	case command.ActionStart:
		return s.StartMission()
	case command.ActionPause:
		return s.PauseMission()
	case command.ActionResume:
		return s.ResumeMission()
	case command.ActionEmergencyReturn:
		return s.EmergencyReturn()
	default:
		return fmt.Errorf("shell: unknown mission command %q", action)
	}
}

func (s *Shell) single(what string) (string, error) {
	ids := s.Selected()
	if len(ids) != 1 {
		return "", s.reject(what, ErrSelectOne)
	}
	return ids[0], nil
}

func (s *Shell) Takeoff() error {
	id, err := s.single("Takeoff")
	if err != nil {
		return err
	}
	return s.publish("Takeoff", command.Takeoff(id, s.opts.TakeoffAltM))
}

func (s *Shell) Land() error {
	id, err := s.single("Land")
	if err != nil {
		return err
	}
	return s.publish("Land", command.Land(id))
}

func (s *Shell) Control(yawDeg, vx, vy float64) error {
	id, err := s.single("Manual control")
	if err != nil {
		return err
	}
	return s.publish("Manual control", command.Control(id, yawDeg, vx, vy))
}
