package telemetry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
)

// DecodeOptions tunes how raw frames are normalized.
type DecodeOptions struct {
	// DropZeroFix treats a latitude or longitude within NoFixEpsilon of zero
	// as "no fix". The bridge reports 0 when it has no position.
	DropZeroFix  bool
	NoFixEpsilon float64
}

// DefaultDecodeOptions drops exact zero coordinates.
var DefaultDecodeOptions = DecodeOptions{DropZeroFix: true}

// Decoder turns raw UIStatus frames into DroneStatus records. It holds no
// per-frame state and is safe for concurrent use.
type Decoder struct {
	opts DecodeOptions
	log  *slog.Logger
}

// NewDecoder returns a decoder. A nil logger uses slog.Default().
func NewDecoder(opts DecodeOptions, log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	if opts.NoFixEpsilon < 0 {
		opts.NoFixEpsilon = 0
	}
	return &Decoder{opts: opts, log: log}
}

// DecodeStatusJSON parses a UIStatus message body and decodes it. Each
// field is parsed on its own: a field with an unexpected shape is logged and
// left empty, so the remaining fields still produce records. An error is
// returned only when the body is not a JSON object.
func (d *Decoder) DecodeStatusJSON(data []byte) ([]DroneStatus, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode ui status: %w", err)
	}
	f := UIStatusFrame{
		Timestamp:          field[float64](d, fields, "timestamp"),
		DroneIDs:           field[[]string](d, fields, "drone_ids"),
		Heartbeats:         field[[]bool](d, fields, "heartbeats"),
		BatteryPercentages: field[[]float64](d, fields, "battery_percentages"),
		FlightReadies:      field[[]bool](d, fields, "flight_readies"),
		Armeds:             field[[]bool](d, fields, "armeds"),
		Latitudes:          field[[]float64](d, fields, "latitudes"),
		Longitudes:         field[[]float64](d, fields, "longitudes"),
		HeadingDegs:        field[[]float64](d, fields, "heading_degs"),
	}
	f.StatusInFlights = fields["status_in_flights"]
	return d.DecodeStatus(f), nil
}

func field[T any](d *Decoder, fields map[string]json.RawMessage, name string) T {
	var v T
	raw, ok := fields[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		d.log.Warn("ignoring malformed status field", "field", name, "err", err)
		var zero T
		return zero
	}
	return v
}

// DecodeStatus zips the frame's parallel arrays into one record per drone id,
// in input order. Short arrays yield zero values rather than failing.
func (d *Decoder) DecodeStatus(f UIStatusFrame) []DroneStatus {
	codes := d.DecodeStatusCodes(f.StatusInFlights)
	drones := make([]DroneStatus, len(f.DroneIDs))
	for i, id := range f.DroneIDs {
		ds := DroneStatus{
			ID:        id,
			Connected: at(f.Heartbeats, i),
			Battery:   at(f.BatteryPercentages, i),
			Ready:     at(f.FlightReadies, i),
			Armed:     at(f.Armeds, i),
			Status:    SeverityNormal,
		}
		if i < len(codes) {
			ds.Status = SeverityFromCode(codes[i])
		}
		if i < len(f.Latitudes) {
			ds.Latitude = d.coord(f.Latitudes[i])
		}
		if i < len(f.Longitudes) {
			ds.Longitude = d.coord(f.Longitudes[i])
		}
		if i < len(f.HeadingDegs) {
			h := f.HeadingDegs[i]
			ds.HeadingDeg = &h
		}
		drones[i] = ds
	}
	return drones
}

// DecodeStatusCodes accepts either a JSON number array or a base64 string
// and returns the status codes. Malformed input yields an empty slice.
func (d *Decoder) DecodeStatusCodes(raw json.RawMessage) []int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.log.Error("status field is not a valid string", "err", err)
			return nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			d.log.Error("base64 decoding of status field failed", "err", err)
			return nil
		}
		codes := make([]int, len(b))
		for i, v := range b {
			codes[i] = int(v)
		}
		return codes
	case '[':
		var vals []float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			d.log.Error("status array is malformed", "err", err)
			return nil
		}
		codes := make([]int, len(vals))
		for i, v := range vals {
			if v != math.Trunc(v) {
				codes[i] = -1
				continue
			}
			codes[i] = int(v)
		}
		return codes
	default:
		d.log.Error("unexpected status field format", "raw", string(raw))
		return nil
	}
}

func (d *Decoder) coord(v float64) *float64 {
	if d.opts.DropZeroFix && math.Abs(v) <= d.opts.NoFixEpsilon {
		return nil
	}
	return &v
}

func at[T any](s []T, i int) T {
	var zero T
	if i < len(s) {
		return s[i]
	}
	return zero
}

// EncodeStatusCodes renders severities the way the bridge does for uint8[]
// fields: a base64 string.
func EncodeStatusCodes(sev []Severity) string {
	b := make([]byte, len(sev))
	for i, s := range sev {
		b[i] = s.Code()
	}
	return base64.StdEncoding.EncodeToString(b)
}
