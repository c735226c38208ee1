// Package bridgesim is a stand-in for the drone bridge: a rosbridge
// websocket endpoint that publishes simulated fleet status and reacts to
// mission and manual-control commands.
package bridgesim

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"droneops-gcs/internal/command"
	"droneops-gcs/internal/telemetry"
)

// Drone is the simulated state of one vehicle.
type Drone struct {
	ID         string
	Lat, Lon   float64
	Alt        float64
	HeadingDeg float64
	Battery    float64
	Armed      bool
	Ready      bool
	Connected  bool
}

// Severity derives the in-flight status from the battery level.
func (d Drone) Severity() telemetry.Severity {
	switch {
	case d.Battery <= 5:
		return telemetry.SeverityDanger
	case d.Battery <= 20:
		return telemetry.SeverityWarning
	default:
		return telemetry.SeverityNormal
	}
}

// Fleet holds the drones and the current mission. It is safe for
// concurrent use.
type Fleet struct {
	mu      sync.Mutex
	rng     *rand.Rand
	drones  []*Drone
	mission *telemetry.MissionStatus
	plan    *command.MissionPlan
}

// NewFleet places n drones around the centre point.
func NewFleet(n int, centerLat, centerLon float64, seed int64) *Fleet {
	rng := rand.New(rand.NewSource(seed))
	f := &Fleet{rng: rng}
	for i := 0; i < n; i++ {
		f.drones = append(f.drones, &Drone{
			ID:        fmt.Sprintf("drone-%d", i+1),
			Lat:       centerLat + (rng.Float64()-0.5)*0.002,
			Lon:       centerLon + (rng.Float64()-0.5)*0.002,
			Battery:   100,
			Ready:     true,
			Connected: true,
		})
	}
	return f
}

func (f *Fleet) find(id string) *Drone {
	for _, d := range f.drones {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (f *Fleet) flying(d *Drone) bool {
	if d.Armed {
		return true
	}
	return f.mission != nil && f.mission.State == telemetry.MissionActive && f.mission.Includes(d.ID)
}

// Step advances every flying drone by one tick of dt.
func (f *Fleet) Step(dt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.drones {
		if !f.flying(d) || d.Battery <= 0 {
			continue
		}
		f.randomWalk(d, dt)
		d.Battery = math.Max(0, d.Battery-batteryDrain(dt))
		if d.Battery == 0 {
			d.Armed = false
			d.Ready = false
		}
	}
}

// randomWalk moves the drone roughly along its heading at 5-10 m/s.
func (f *Fleet) randomWalk(d *Drone, dt time.Duration) {
	d.HeadingDeg = math.Mod(d.HeadingDeg+(f.rng.Float64()*60-30)+360, 360)
	speed := f.rng.Float64()*5 + 5
	dist := speed * dt.Seconds()
	heading := d.HeadingDeg * math.Pi / 180
	d.Lat += dist * math.Cos(heading) / 111000
	d.Lon += dist * math.Sin(heading) / (111000 * math.Cos(d.Lat*math.Pi/180))
	d.Alt = math.Max(0, d.Alt+f.rng.Float64()*2-1)
}

// batteryDrain is the percentage used per tick of dt while flying.
func batteryDrain(dt time.Duration) float64 {
	return 0.4 * dt.Seconds()
}

// Frame renders the fleet as a UIStatus message. Severities go out as a
// base64 byte string, the way the bridge serializes uint8 arrays.
func (f *Fleet) Frame(now time.Time) telemetry.UIStatusFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.drones)
	fr := telemetry.UIStatusFrame{
		Timestamp:          float64(now.UnixNano()) / 1e9,
		DroneIDs:           make([]string, n),
		Heartbeats:         make([]bool, n),
		BatteryPercentages: make([]float64, n),
		FlightReadies:      make([]bool, n),
		Armeds:             make([]bool, n),
		Latitudes:          make([]float64, n),
		Longitudes:         make([]float64, n),
		HeadingDegs:        make([]float64, n),
	}
	sev := make([]telemetry.Severity, n)
	for i, d := range f.drones {
		fr.DroneIDs[i] = d.ID
		fr.Heartbeats[i] = d.Connected
		fr.BatteryPercentages[i] = math.Round(d.Battery*10) / 10
		fr.FlightReadies[i] = d.Ready
		fr.Armeds[i] = d.Armed
		fr.Latitudes[i] = d.Lat
		fr.Longitudes[i] = d.Lon
		fr.HeadingDegs[i] = d.HeadingDeg
		sev[i] = d.Severity()
	}
	fr.StatusInFlights, _ = json.Marshal(telemetry.EncodeStatusCodes(sev))
	return fr
}

// Mission returns a copy of the current mission status, or nil.
func (f *Fleet) Mission() *telemetry.MissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mission == nil {
		return nil
	}
	ms := *f.mission
	return &ms
}

// Drone returns a copy of the drone with id.
func (f *Fleet) Drone(id string) (Drone, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d := f.find(id); d != nil {
		return *d, true
	}
	return Drone{}, false
}

// LoadPlan replaces the current mission with an idle one for plan.
func (f *Fleet) LoadPlan(plan command.MissionPlan) (telemetry.MissionStatus, error) {
	if err := plan.Validate(); err != nil {
		return telemetry.MissionStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range plan.DroneIDs {
		if f.find(id) == nil {
			return telemetry.MissionStatus{}, fmt.Errorf("unknown drone %q", id)
		}
	}
	if f.mission != nil && f.mission.State.Tracking() {
		return telemetry.MissionStatus{}, fmt.Errorf("mission %s is still %s", f.mission.MissionID, f.mission.State)
	}
	f.plan = &plan
	f.mission = &telemetry.MissionStatus{MissionID: plan.MissionID, State: telemetry.MissionIdle, DroneIDs: plan.DroneIDs}
	return *f.mission, nil
}

// transitions lists the mission states each action is accepted from.
var transitions = map[command.MissionAction]struct {
	from []telemetry.MissionState
	to   telemetry.MissionState
}{
	command.ActionStart:           {[]telemetry.MissionState{telemetry.MissionIdle}, telemetry.MissionActive},
	command.ActionPause:           {[]telemetry.MissionState{telemetry.MissionActive}, telemetry.MissionPaused},
	command.ActionResume:          {[]telemetry.MissionState{telemetry.MissionPaused}, telemetry.MissionActive},
	command.ActionEmergencyReturn: {[]telemetry.MissionState{telemetry.MissionActive, telemetry.MissionPaused}, telemetry.MissionEmergency},
}

// ApplyMission moves the mission through its lifecycle.
func (f *Fleet) ApplyMission(cmd command.MissionCommand) (telemetry.MissionStatus, error) {
	if err := cmd.Validate(); err != nil {
		return telemetry.MissionStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mission == nil || f.mission.MissionID != cmd.MissionID {
		return telemetry.MissionStatus{}, fmt.Errorf("unknown mission %q", cmd.MissionID)
	}
	tr := transitions[cmd.Command]
	for _, s := range tr.from {
		if f.mission.State == s {
			f.mission.State = tr.to
			if tr.to == telemetry.MissionEmergency {
				for _, id := range f.mission.DroneIDs {
					if d := f.find(id); d != nil {
						d.Armed = false
					}
				}
			}
			return *f.mission, nil
		}
	}
	return telemetry.MissionStatus{}, fmt.Errorf("cannot %s a %s mission", cmd.Command, f.mission.State)
}

// CompleteEmergency finishes a mission once its emergency return is done.
func (f *Fleet) CompleteEmergency() (telemetry.MissionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mission == nil || f.mission.State != telemetry.MissionEmergency {
		return telemetry.MissionStatus{}, false
	}
	f.mission.State = telemetry.MissionAborted
	return *f.mission, true
}

// ApplyGyro handles a manual-control command.
func (f *Fleet) ApplyGyro(cmd command.GyroCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.find(cmd.DroneID)
	if d == nil {
		return fmt.Errorf("unknown drone %q", cmd.DroneID)
	}
	switch cmd.Command {
	case command.GyroTakeoff:
		if !d.Ready {
			return fmt.Errorf("%s is not ready", d.ID)
		}
		d.Armed = true
		if cmd.TargetAltitudeM != nil {
			d.Alt = *cmd.TargetAltitudeM
		}
	case command.GyroLand:
		d.Armed = false
		d.Alt = 0
	case command.GyroControl:
		if cmd.YawDeg != nil {
			d.HeadingDeg = math.Mod(*cmd.YawDeg+360, 360)
		}
	}
	return nil
}
