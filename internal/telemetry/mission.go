package telemetry

import (
	"encoding/json"
	"fmt"
)

// MissionState is the mission lifecycle state reported by the bridge.
type MissionState int

const (
	MissionIdle MissionState = iota
	MissionActive
	MissionPaused
	MissionEmergency
	MissionCompleted
	MissionAborted
)

var missionStateNames = [...]string{"IDLE", "ACTIVE", "PAUSED", "EMERGENCY", "COMPLETED", "ABORTED"}

func (s MissionState) String() string {
	if s >= 0 && int(s) < len(missionStateNames) {
		return missionStateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// MarshalJSON encodes the state by name.
func (s MissionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UIState collapses terminal states to IDLE, which is how operators see them.
func (s MissionState) UIState() MissionState {
	if s == MissionCompleted || s == MissionAborted {
		return MissionIdle
	}
	return s
}

// Tracking reports whether trails accumulate in this state.
func (s MissionState) Tracking() bool {
	return s == MissionActive || s == MissionPaused
}

// EndsMission reports whether entering this state invalidates trail history.
func (s MissionState) EndsMission() bool {
	return s == MissionIdle || s == MissionCompleted || s == MissionAborted
}

// MissionStatus is the latest mission-status frame.
type MissionStatus struct {
	MissionID string       `json:"mission_id"`
	State     MissionState `json:"state"`
	DroneIDs  []string     `json:"drone_ids"`
}

// Includes reports whether id participates in the mission.
func (m MissionStatus) Includes(id string) bool {
	for _, d := range m.DroneIDs {
		if d == id {
			return true
		}
	}
	return false
}

// missionStatusFrame is the wire shape; state arrives as an integer.
type missionStatusFrame struct {
	MissionID string   `json:"mission_id"`
	State     int      `json:"state"`
	DroneIDs  []string `json:"drone_ids"`
}

// DecodeMissionStatus parses a mission-status message body.
func DecodeMissionStatus(data []byte) (MissionStatus, error) {
	var f missionStatusFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return MissionStatus{}, fmt.Errorf("decode mission status: %w", err)
	}
	return MissionStatus{
		MissionID: f.MissionID,
		State:     MissionState(f.State),
		DroneIDs:  f.DroneIDs,
	}, nil
}

// EncodeMissionStatus produces the wire form of m.
func EncodeMissionStatus(m MissionStatus) ([]byte, error) {
	return json.Marshal(missionStatusFrame{
		MissionID: m.MissionID,
		State:     int(m.State),
		DroneIDs:  m.DroneIDs,
	})
}
