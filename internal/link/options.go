package link

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"droneops-gcs/internal/rosbridge"
	"droneops-gcs/internal/schedule"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/trail"
)

var (
	ErrNotConnected       = errors.New("link: not connected")
	ErrTopicNotAdvertised = errors.New("link: topic not advertised")
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Topics names the bridge topics the manager uses.
type Topics struct {
	Status         string `yaml:"status"`
	StatusType     string `yaml:"status_type"`
	Mission        string `yaml:"mission"`
	MissionType    string `yaml:"mission_type"`
	MissionPlan    string `yaml:"mission_plan"`
	MissionCommand string `yaml:"mission_command"`
	Gyro           string `yaml:"gyro"`
}

// DefaultTopics returns the topics published by the px4 interface bridge.
func DefaultTopics() Topics {
	return Topics{
		Status:         "/gcs/ui_status",
		StatusType:     "px4_interface/msg/UIStatus",
		Mission:        "/gcs/mission_status",
		MissionType:    "px4_interface/msg/MissionStatus",
		MissionPlan:    "/gcs/mission_plan",
		MissionCommand: "/gcs/mission_command",
		Gyro:           "/gcs/gyro_control",
	}
}

func (t Topics) outbound() []string {
	return []string{t.MissionPlan, t.MissionCommand, t.Gyro}
}

func (t Topics) withDefaults() Topics {
	d := DefaultTopics()
	if t.Status == "" {
		t.Status = d.Status
	}
	if t.StatusType == "" {
		t.StatusType = d.StatusType
	}
	if t.Mission == "" {
		t.Mission = d.Mission
	}
	if t.MissionType == "" {
		t.MissionType = d.MissionType
	}
	if t.MissionPlan == "" {
		t.MissionPlan = d.MissionPlan
	}
	if t.MissionCommand == "" {
		t.MissionCommand = d.MissionCommand
	}
	if t.Gyro == "" {
		t.Gyro = d.Gyro
	}
	return t
}

// ReconnectPolicy controls how a dropped connection is retried. The zero
// MaxAttempts retries forever. Linear multiplies Delay by the attempt number.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Linear      bool
}

// next returns the delay before the given attempt (1-based) and whether the
// attempt is allowed at all.
func (p ReconnectPolicy) next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if p.Linear {
		return p.Delay * time.Duration(attempt), true
	}
	return p.Delay, true
}

const (
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultCheckInterval  = time.Second
	DefaultStaleAfter     = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Topics Topics
	// ForceSecure upgrades ws:// URLs to wss://.
	ForceSecure bool
	// SettleDelay is the pause between the connection opening and the
	// first subscribe.
	SettleDelay   time.Duration
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Reconnect     ReconnectPolicy

	Clock   schedule.Clock
	Dialer  rosbridge.Dialer
	Decoder *telemetry.Decoder
	Trails  *trail.Store
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	o.Topics = o.Topics.withDefaults()
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Reconnect.Delay <= 0 {
		o.Reconnect.Delay = DefaultReconnectDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = schedule.Real{}
	}
	if o.Dialer == nil {
		o.Dialer = rosbridge.NewDialer(nil, o.Logger)
	}
	if o.Decoder == nil {
		o.Decoder = telemetry.NewDecoder(telemetry.DefaultDecodeOptions, o.Logger)
	}
	if o.Trails == nil {
		o.Trails = trail.NewStore(trail.DefaultMaxPoints, trail.DefaultMinDistance)
	}
	return o
}
