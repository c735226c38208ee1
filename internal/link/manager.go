// Package link owns the connection to the drone bridge. It decodes inbound
// telemetry and mission status, fans updates out to subscribers, publishes
// operator commands, watches for stale telemetry and reconnects after
// failures.
package link

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"droneops-gcs/internal/command"
	"droneops-gcs/internal/fanout"
	"droneops-gcs/internal/rosbridge"
	"droneops-gcs/internal/schedule"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/trail"
)

// Snapshot is a consistent copy of the manager's derived state.
type Snapshot struct {
	State     State                    `json:"state"`
	Connected bool                     `json:"connected"`
	URL       string                   `json:"url,omitempty"`
	LastFrame time.Time                `json:"last_frame,omitempty"`
	Drones    []telemetry.DroneStatus  `json:"drones"`
	Mission   *telemetry.MissionStatus `json:"mission,omitempty"`
	Trails    trail.Trails             `json:"trails"`
}

// Manager maintains one bridge connection. All notifications are delivered
// in order on a single goroutine, so subscribers may call back into the
// manager.
type Manager struct {
	opts Options
	log  *slog.Logger
	q    *fanout.Queue

	connSubs    fanout.Registry[bool]
	statusSubs  fanout.Registry[[]telemetry.DroneStatus]
	missionSubs fanout.Registry[*telemetry.MissionStatus]
	trailSubs   fanout.Registry[trail.Trails]

	mu         sync.Mutex
	state      State
	url        string
	gen        uint64
	closing    bool
	cancelDial context.CancelFunc
	tr         rosbridge.Transport
	advertised map[string]bool
	attempts   int

	lastFrame time.Time
	stale     bool
	drones    []telemetry.DroneStatus
	mission   *telemetry.MissionStatus

	reconnectT schedule.Timer
	settleT    schedule.Timer
	livenessT  schedule.Timer
}

// NewManager returns a disconnected manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:       opts,
		log:        opts.Logger.With("component", "link"),
		q:          fanout.NewQueue(),
		advertised: make(map[string]bool),
	}
}

// Connect tears down any existing connection and dials rawURL in the
// background. It only fails when the URL is unusable.
func (m *Manager) Connect(rawURL string) error {
	rawURL = rosbridge.UpgradeScheme(rawURL, m.opts.ForceSecure)
	if err := rosbridge.ValidateURL(rawURL); err != nil {
		return err
	}
	if m.State() != Disconnected {
		m.Disconnect()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = false
	m.url = rawURL
	m.attempts = 0
	m.startDialLocked()
	return nil
}

func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(Connecting)
	url := m.url
	go m.dial(ctx, gen, url)
}

func (m *Manager) dial(ctx context.Context, gen uint64, url string) {
	tr, err := m.opts.Dialer(ctx, url)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closing {
		if tr != nil {
			go tr.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("bridge connection failed", "url", url, "err", err)
		m.failLocked(gen)
		return
	}
	m.tr = tr
	m.attempts = 0
	m.setStateLocked(Connected)
	m.settleT = m.opts.Clock.AfterFunc(m.opts.SettleDelay, func() { m.setup(gen) })
	m.postConn(true)
	go m.watch(gen, tr)
}

func (m *Manager) watch(gen uint64, tr rosbridge.Transport) {
	<-tr.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closing {
		return
	}
	m.log.Warn("bridge connection lost", "err", tr.Err())
	m.failLocked(gen)
}

// failLocked handles an unexpected close or dial error: derived drone state
// is cleared and a reconnect is scheduled.
func (m *Manager) failLocked(gen uint64) {
	wasConnected := m.state == Connected
	m.stopTimersLocked()
	m.tr = nil
	m.advertised = make(map[string]bool)
	m.lastFrame = time.Time{}
	m.stale = false
	if wasConnected {
		m.drones = nil
		m.postStatus(nil)
	}
	m.postConn(false)

	m.attempts++
	delay, ok := m.opts.Reconnect.next(m.attempts)
	if !ok {
		m.log.Error("giving up on bridge", "attempts", m.attempts-1)
		m.setStateLocked(Disconnected)
		return
	}
	m.setStateLocked(Reconnecting)
	m.log.Info("reconnect scheduled", "in", delay, "attempt", m.attempts)
	m.reconnectT = m.opts.Clock.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closing {
		return
	}
	m.reconnectT = nil
	m.startDialLocked()
}

// setup subscribes and advertises once the connection has settled.
func (m *Manager) setup(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.tr == nil {
		m.mu.Unlock()
		return
	}
	tr := m.tr
	topics := m.opts.Topics
	m.mu.Unlock()

	if err := tr.Subscribe(topics.Status, topics.StatusType, func(msg json.RawMessage) { m.handleStatus(gen, msg) }); err != nil {
		m.log.Warn("subscribe failed", "topic", topics.Status, "err", err)
	}
	if err := tr.Subscribe(topics.Mission, topics.MissionType, func(msg json.RawMessage) { m.handleMission(gen, msg) }); err != nil {
		m.log.Warn("subscribe failed", "topic", topics.Mission, "err", err)
	}
	var ok []string
	for _, t := range topics.outbound() {
		if err := tr.Advertise(t, rosbridge.StringType); err != nil {
			m.log.Warn("advertise failed", "topic", t, "err", err)
			continue
		}
		ok = append(ok, t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.tr != tr {
		return
	}
	for _, t := range ok {
		m.advertised[t] = true
	}
	m.livenessT = m.opts.Clock.Every(m.opts.CheckInterval, func() { m.checkLiveness(gen) })
	m.log.Debug("bridge topics ready", "advertised", ok)
}

func (m *Manager) handleStatus(gen uint64, msg json.RawMessage) {
	drones, err := m.opts.Decoder.DecodeStatusJSON(msg)
	if err != nil {
		m.log.Warn("undecodable status frame, publishing empty fleet", "err", err)
		drones = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closing {
		return
	}
	now := m.opts.Clock.Now()
	m.lastFrame = now
	m.stale = false
	m.drones = drones
	m.postStatus(drones)

	if m.mission == nil || !m.mission.State.Tracking() {
		return
	}
	grew := false
	for _, d := range drones {
		if !d.HasFix() {
			continue
		}
		if len(m.mission.DroneIDs) > 0 && !m.mission.Includes(d.ID) {
			continue
		}
		if m.opts.Trails.Append(d.ID, *d.Latitude, *d.Longitude, now) {
			grew = true
		}
	}
	if grew {
		m.postTrails(m.opts.Trails.Snapshot())
	}
}

func (m *Manager) handleMission(gen uint64, msg json.RawMessage) {
	ms, err := telemetry.DecodeMissionStatus(msg)
	if err != nil {
		m.log.Warn("dropping mission status frame", "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closing {
		return
	}
	if m.mission == nil || m.mission.State != ms.State {
		m.log.Info("mission state", "mission", ms.MissionID, "state", ms.State)
	}
	replaced := m.mission != nil && m.mission.MissionID != ms.MissionID && ms.State.Tracking()
	m.mission = &ms
	m.postMission(&ms)
	if (ms.State.EndsMission() || replaced) && m.opts.Trails.Clear() {
		m.postTrails(trail.Trails{})
	}
}

func (m *Manager) checkLiveness(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.lastFrame.IsZero() || m.stale {
		return
	}
	silent := m.opts.Clock.Now().Sub(m.lastFrame)
	if silent <= m.opts.StaleAfter {
		return
	}
	m.stale = true
	m.drones = nil
	m.log.Warn("telemetry stale", "silent", silent)
	m.postStatus(nil)
}

// Disconnect closes the connection without reconnecting and clears drones,
// mission and trails. Connection subscribers are told false even when the
// manager was already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.stopTimersLocked()
	tr := m.tr
	advertised := m.advertised
	m.tr = nil
	m.advertised = make(map[string]bool)
	m.attempts = 0
	m.lastFrame = time.Time{}
	m.stale = false
	m.drones = nil
	m.mission = nil
	m.opts.Trails.Clear()
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
	}
	m.postStatus(nil)
	m.postMission(nil)
	m.postTrails(trail.Trails{})
	m.postConn(false)
	topics := m.opts.Topics
	m.mu.Unlock()

	if tr == nil {
		return
	}
	tr.Unsubscribe(topics.Status)
	tr.Unsubscribe(topics.Mission)
	for t := range advertised {
		tr.Unadvertise(t)
	}
	if err := tr.Close(); err != nil {
		m.log.Debug("close bridge connection", "err", err)
	}
}

// Close disconnects and stops notification delivery.
func (m *Manager) Close() {
	m.Disconnect()
	m.q.Close()
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []*schedule.Timer{&m.reconnectT, &m.settleT, &m.livenessT} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Info("connection state", "from", m.state, "to", s)
	m.state = s
}

func (m *Manager) postConn(v bool) {
	m.q.Post(func() { m.connSubs.Publish(v) })
}

func (m *Manager) postStatus(d []telemetry.DroneStatus) {
	if d == nil {
		d = []telemetry.DroneStatus{}
	}
	m.q.Post(func() { m.statusSubs.Publish(d) })
}

func (m *Manager) postMission(ms *telemetry.MissionStatus) {
	m.q.Post(func() { m.missionSubs.Publish(ms) })
}

func (m *Manager) postTrails(t trail.Trails) {
	m.q.Post(func() { m.trailSubs.Publish(t) })
}

// OnConnectionChange registers fn for connection changes and returns its
// unsubscribe func.
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	return m.connSubs.Subscribe(fn).Unsubscribe
}

// OnStatusUpdate registers fn for drone status lists. Every list is a full
// replacement of the previous one.
func (m *Manager) OnStatusUpdate(fn func([]telemetry.DroneStatus)) func() {
	return m.statusSubs.Subscribe(fn).Unsubscribe
}

// OnMissionStatusUpdate registers fn and replays the current mission status
// (nil when none) to it.
func (m *Manager) OnMissionStatusUpdate(fn func(*telemetry.MissionStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.missionSubs.Subscribe(fn)
	cur := m.mission
	m.q.Post(func() { sub.Deliver(cur) })
	return sub.Unsubscribe
}

// OnTrailUpdate registers fn and replays the current trails to it.
func (m *Manager) OnTrailUpdate(fn func(trail.Trails)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.trailSubs.Subscribe(fn)
	cur := m.opts.Trails.Snapshot()
	m.q.Post(func() { sub.Deliver(cur) })
	return sub.Unsubscribe
}

// ClearTrails drops all recorded trails, as when a new mission starts.
func (m *Manager) ClearTrails() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Trails.Clear()
	m.postTrails(trail.Trails{})
}

// Connected reports whether the bridge connection is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:     m.state,
		Connected: m.state == Connected,
		URL:       m.url,
		LastFrame: m.lastFrame,
		Drones:    append([]telemetry.DroneStatus{}, m.drones...),
		Trails:    m.opts.Trails.Snapshot(),
	}
	if m.mission != nil {
		ms := *m.mission
		ms.DroneIDs = append([]string(nil), ms.DroneIDs...)
		s.Mission = &ms
	}
	return s
}

func (m *Manager) topicFor(k command.Kind) string {
	switch k {
	case command.KindMissionPlan:
		return m.opts.Topics.MissionPlan
	case command.KindMissionCommand:
		return m.opts.Topics.MissionCommand
	default:
		return m.opts.Topics.Gyro
	}
}

// Publish validates cmd and publishes it on its outbound topic as a JSON
// string message.
func (m *Manager) Publish(cmd command.Command) error {
	if cmd == nil {
		_, err := command.Encode(cmd)
		return err
	}
	topic := m.topicFor(cmd.Kind())
	m.mu.Lock()
	tr := m.tr
	connected := m.state == Connected && tr != nil
	advertised := m.advertised[topic]
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if !advertised {
		return ErrTopicNotAdvertised
	}
	body, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	return tr.Publish(topic, rosbridge.StringMsg{Data: body})
}

func (m *Manager) send(cmd command.Command) bool {
	if err := m.Publish(cmd); err != nil {
		m.log.Warn("command not sent", "kind", cmd.Kind(), "err", err)
		return false
	}
	return true
}

func (m *Manager) SendGyroCommand(cmd command.GyroCommand) bool { return m.send(cmd) }

func (m *Manager) SendMissionPlan(plan command.MissionPlan) bool { return m.send(plan) }

func (m *Manager) SendMissionCommand(cmd command.MissionCommand) bool { return m.send(cmd) }
