// Package command defines the typed operator commands sent to the bridge.
// Commands stay typed until the transport boundary, where Encode renders
// them as the JSON body of a generic string message.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind selects the outbound topic for a command.
type Kind int

const (
	KindMissionPlan Kind = iota
	KindMissionCommand
	KindGyro
)

func (k Kind) String() string {
	switch k {
	case KindMissionPlan:
		return "mission_plan"
	case KindMissionCommand:
		return "mission_command"
	case KindGyro:
		return "gyro_control"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is implemented by MissionPlan, MissionCommand and GyroCommand.
type Command interface {
	Kind() Kind
	Validate() error
}

var (
	ErrNoDrones       = errors.New("command: no drones selected")
	ErrNoWaypoints    = errors.New("command: mission has no waypoints")
	ErrMissingMission = errors.New("command: mission id is required")
	ErrMissingDrone   = errors.New("command: drone id is required")
)

// MissionAction is a mission lifecycle command.
type MissionAction string

const (
	ActionStart           MissionAction = "START"
	ActionPause           MissionAction = "PAUSE"
	ActionResume          MissionAction = "RESUME"
	ActionEmergencyReturn MissionAction = "EMERGENCY_RETURN"
)

// LandingMode selects where drones land at mission end.
type LandingMode string

const (
	LandHome         LandingMode = "HOME"
	LandLastWaypoint LandingMode = "LAST_WAYPOINT"
)

// GyroAction is a manual-control command.
type GyroAction string

const (
	GyroTakeoff GyroAction = "TAKEOFF"
	GyroLand    GyroAction = "LAND"
	GyroControl GyroAction = "CONTROL"
)

// Waypoint is one mission waypoint.
type Waypoint struct {
	Seq      int     `json:"seq"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Alt      float64 `json:"alt"`
	HoldTime float64 `json:"hold_time"`
}

// PlanOptions are the mission plan behaviour switches.
type PlanOptions struct {
	SequentialLaunch bool `json:"sequential_launch"`
	OrderByID        bool `json:"order_by_id"`
	HeadingToNextWP  bool `json:"heading_to_next_wp"`
}

// MissionPlan uploads waypoints for a set of drones.
type MissionPlan struct {
	MissionID       string      `json:"mission_id"`
	DroneIDs        []string    `json:"drone_ids"`
	Waypoints       []Waypoint  `json:"waypoints"`
	CruiseAltitudeM float64     `json:"cruise_altitude_m"`
	CruiseSpeedMPS  float64     `json:"cruise_speed_mps"`
	LandingMode     LandingMode `json:"landing_mode"`
	SpacingType     string      `json:"spacing_type"`
	SpacingValue    float64     `json:"spacing_value"`
	Options         PlanOptions `json:"options"`
}

func (MissionPlan) Kind() Kind { return KindMissionPlan }

func (p MissionPlan) Validate() error {
	if p.MissionID == "" {
		return ErrMissingMission
	}
	if len(p.DroneIDs) == 0 {
		return ErrNoDrones
	}
	if len(p.Waypoints) == 0 {
		return ErrNoWaypoints
	}
	switch p.LandingMode {
	case LandHome, LandLastWaypoint:
	default:
		return fmt.Errorf("command: unknown landing mode %q", p.LandingMode)
	}
	if p.SpacingType != "DISTANCE" {
		return fmt.Errorf("command: unknown spacing type %q", p.SpacingType)
	}
	return nil
}

// NewMissionPlan returns a plan with a fresh mission id, sequence numbers
// assigned in order, and the default landing and spacing settings.
func NewMissionPlan(droneIDs []string, wps []Waypoint, cruiseAltM, cruiseSpeedMPS float64) MissionPlan {
	out := make([]Waypoint, len(wps))
	for i, wp := range wps {
		wp.Seq = i
		out[i] = wp
	}
	return MissionPlan{
		MissionID:       NewMissionID(),
		DroneIDs:        append([]string(nil), droneIDs...),
		Waypoints:       out,
		CruiseAltitudeM: cruiseAltM,
		CruiseSpeedMPS:  cruiseSpeedMPS,
		LandingMode:     LandHome,
		SpacingType:     "DISTANCE",
		SpacingValue:    5,
		Options:         PlanOptions{SequentialLaunch: true, OrderByID: true, HeadingToNextWP: true},
	}
}

// NewMissionID returns a unique mission identifier.
func NewMissionID() string {
	return "mission-" + uuid.NewString()
}

// MissionCommand changes the lifecycle of an uploaded mission.
type MissionCommand struct {
	MissionID string        `json:"mission_id"`
	Command   MissionAction `json:"command"`
}

func (MissionCommand) Kind() Kind { return KindMissionCommand }

func (c MissionCommand) Validate() error {
	if c.MissionID == "" {
		return ErrMissingMission
	}
	switch c.Command {
	case ActionStart, ActionPause, ActionResume, ActionEmergencyReturn:
		return nil
	default:
		return fmt.Errorf("command: unknown mission command %q", c.Command)
	}
}

// GyroCommand is a manual-control command for one drone. Optional fields
// are omitted from the JSON body when nil.
type GyroCommand struct {
	DroneID         string     `json:"drone_id"`
	Command         GyroAction `json:"command"`
	TargetAltitudeM *float64   `json:"target_altitude_m,omitempty"`
	YawDeg          *float64   `json:"yaw_deg,omitempty"`
	VxMPS           *float64   `json:"vx_mps,omitempty"`
	VyMPS           *float64   `json:"vy_mps,omitempty"`
}

func (GyroCommand) Kind() Kind { return KindGyro }

func (c GyroCommand) Validate() error {
	if c.DroneID == "" {
		return ErrMissingDrone
	}
	switch c.Command {
	case GyroTakeoff, GyroLand, GyroControl:
		return nil
	default:
		return fmt.Errorf("command: unknown gyro command %q", c.Command)
	}
}

// Takeoff builds a TAKEOFF command.
func Takeoff(droneID string, altitudeM float64) GyroCommand {
	return GyroCommand{DroneID: droneID, Command: GyroTakeoff, TargetAltitudeM: &altitudeM}
}

// Land builds a LAND command.
func Land(droneID string) GyroCommand {
	return GyroCommand{DroneID: droneID, Command: GyroLand}
}

// Control builds a CONTROL command from attitude-derived velocities.
func Control(droneID string, yawDeg, vx, vy float64) GyroCommand {
	return GyroCommand{DroneID: droneID, Command: GyroControl, YawDeg: &yawDeg, VxMPS: &vx, VyMPS: &vy}
}

// Encode validates cmd and renders its JSON body.
func Encode(cmd Command) (string, error) {
	if cmd == nil {
		return "", errors.New("command: nil command")
	}
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("command: encode %s: %w", cmd.Kind(), err)
	}
	return string(b), nil
}
