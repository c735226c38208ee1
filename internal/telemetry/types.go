// Drone status and mission status records shared across the GCS.
package telemetry

import (
	"encoding/json"
	"os"
	"time"
)

// Severity is the in-flight status reported by the bridge for a drone.
type Severity string

const (
	SeverityNormal  Severity = "Normal"
	SeverityWarning Severity = "Warning"
	SeverityDanger  Severity = "Danger"
)

// SeverityFromCode maps a wire status code to a Severity. Unknown codes are Normal.
func SeverityFromCode(code int) Severity {
	switch code {
	case 1:
		return SeverityWarning
	case 2:
		return SeverityDanger
	default:
		return SeverityNormal
	}
}

// Code returns the wire status code for s.
func (s Severity) Code() byte {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityDanger:
		return 2
	default:
		return 0
	}
}

// DroneStatus is the normalized state of one drone as of the latest frame.
// Latitude and Longitude are nil when the bridge reported no fix.
type DroneStatus struct {
	ID         string   `json:"id"`
	Connected  bool     `json:"connected"`
	Battery    float64  `json:"battery"`
	Ready      bool     `json:"ready"`
	Armed      bool     `json:"armed"`
	Status     Severity `json:"status"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
}

// HasFix reports whether both coordinates are present.
func (d DroneStatus) HasFix() bool {
	return d.Latitude != nil && d.Longitude != nil
}

// UIStatusFrame is the raw telemetry message on the bridge's status topic.
// All arrays are positionally aligned to DroneIDs. StatusInFlights is kept
// raw because the bridge sends it either as a number array or as base64.
type UIStatusFrame struct {
	Timestamp          float64         `json:"timestamp,omitempty"`
	DroneIDs           []string        `json:"drone_ids"`
	Heartbeats         []bool          `json:"heartbeats"`
	BatteryPercentages []float64       `json:"battery_percentages"`
	FlightReadies      []bool          `json:"flight_readies"`
	Armeds             []bool          `json:"armeds"`
	StatusInFlights    json.RawMessage `json:"status_in_flights"`
	Latitudes          []float64       `json:"latitudes,omitempty"`
	Longitudes         []float64       `json:"longitudes,omitempty"`
	HeadingDegs        []float64       `json:"heading_degs,omitempty"`
}

// StatusRow is one recorded drone status sample.
type StatusRow struct {
	DroneStatus
	Timestamp time.Time `json:"ts"`
}

// StatusTableName holds the table name used when writing to GreptimeDB.
// It defaults to "gcs_drone_status" but can be overridden via the
// GREPTIMEDB_TABLE environment variable.
var StatusTableName = func() string {
	if env := os.Getenv("GREPTIMEDB_TABLE"); env != "" {
		return env
	}
	return "gcs_drone_status"
}()

// Rows stamps every status with ts.
func Rows(drones []DroneStatus, ts time.Time) []StatusRow {
	rows := make([]StatusRow, len(drones))
	for i, d := range drones {
		rows[i] = StatusRow{DroneStatus: d, Timestamp: ts}
	}
	return rows
}
