package telemetry

import (
	"encoding/json"
	"testing"

	"droneops-gcs/internal/logging"
)

func newTestDecoder() *Decoder {
	return NewDecoder(DefaultDecodeOptions, logging.Discard())
}

func TestDecodeStatusZipsInOrder(t *testing.T) {
	f := UIStatusFrame{
		DroneIDs:           []string{"d1", "d2", "d3"},
		Heartbeats:         []bool{true, false, true},
		BatteryPercentages: []float64{80, 15, 50},
		FlightReadies:      []bool{true, false, false},
		Armeds:             []bool{false, false, true},
		StatusInFlights:    json.RawMessage(`[0,2,1]`),
	}
	got := newTestDecoder().DecodeStatus(f)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, id := range f.DroneIDs {
		if got[i].ID != id {
			t.Errorf("record %d id = %s, want %s", i, got[i].ID, id)
		}
	}
	if !got[0].Connected || got[1].Connected {
		t.Errorf("heartbeat mapping wrong: %+v", got)
	}
	if got[1].Battery != 15 || got[1].Status != SeverityDanger {
		t.Errorf("d2 = %+v", got[1])
	}
	if got[2].Status != SeverityWarning || !got[2].Armed {
		t.Errorf("d3 = %+v", got[2])
	}
}

func TestDecodeStatusCodesEncodingTransparency(t *testing.T) {
	d := newTestDecoder()
	b64, _ := json.Marshal(EncodeStatusCodes([]Severity{SeverityNormal, SeverityWarning, SeverityDanger}))
	fromB64 := d.DecodeStatusCodes(b64)
	fromArr := d.DecodeStatusCodes(json.RawMessage(`[0, 1, 2]`))
	if len(fromB64) != 3 || len(fromArr) != 3 {
		t.Fatalf("lengths: b64=%v arr=%v", fromB64, fromArr)
	}
	for i := range fromArr {
		if fromB64[i] != fromArr[i] {
			t.Fatalf("mismatch at %d: %v vs %v", i, fromB64, fromArr)
		}
		if SeverityFromCode(fromArr[i]) != []Severity{SeverityNormal, SeverityWarning, SeverityDanger}[i] {
			t.Fatalf("unexpected severity at %d", i)
		}
	}
	if string(b64) != `"AAEC"` {
		t.Fatalf("base64 of [0,1,2] = %s", b64)
	}
}

func TestDecodeCorruptBase64IsAllNormal(t *testing.T) {
	f := UIStatusFrame{
		DroneIDs:        []string{"a", "b"},
		StatusInFlights: json.RawMessage(`"!!not*base64!!"`),
	}
	got := newTestDecoder().DecodeStatus(f)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	for _, ds := range got {
		if ds.Status != SeverityNormal {
			t.Errorf("%s status = %s, want Normal", ds.ID, ds.Status)
		}
	}
}

func TestDecodeUnknownCodesAreNormal(t *testing.T) {
	d := newTestDecoder()
	got := d.DecodeStatus(UIStatusFrame{
		DroneIDs:        []string{"a", "b", "c"},
		StatusInFlights: json.RawMessage(`[7, -1, 1.5]`),
	})
	for _, ds := range got {
		if ds.Status != SeverityNormal {
			t.Errorf("%s status = %s, want Normal", ds.ID, ds.Status)
		}
	}
	if codes := d.DecodeStatusCodes(json.RawMessage(`{"x":1}`)); len(codes) != 0 {
		t.Errorf("expected no codes for object, got %v", codes)
	}
	if codes := d.DecodeStatusCodes(nil); len(codes) != 0 {
		t.Errorf("expected no codes for missing field, got %v", codes)
	}
}

func TestDecodeZeroFixIsAbsent(t *testing.T) {
	f := UIStatusFrame{
		DroneIDs:    []string{"zero", "real"},
		Latitudes:   []float64{0, 12.3},
		Longitudes:  []float64{0, 45.6},
		HeadingDegs: []float64{0, 90},
	}
	got := newTestDecoder().DecodeStatus(f)
	if got[0].Latitude != nil || got[0].Longitude != nil {
		t.Errorf("expected (0,0) to be absent, got %+v", got[0])
	}
	if got[0].HasFix() {
		t.Errorf("expected no fix")
	}
	if got[1].Latitude == nil || *got[1].Latitude != 12.3 || got[1].Longitude == nil || *got[1].Longitude != 45.6 {
		t.Errorf("expected (12.3,45.6) to pass through, got %+v", got[1])
	}
	if got[0].HeadingDeg == nil || *got[0].HeadingDeg != 0 {
		t.Errorf("heading should pass through unchanged")
	}
}

func TestDecodeNoFixEpsilonAndDisabled(t *testing.T) {
	f := UIStatusFrame{DroneIDs: []string{"a"}, Latitudes: []float64{1e-9}, Longitudes: []float64{0}}
	eps := NewDecoder(DecodeOptions{DropZeroFix: true, NoFixEpsilon: 1e-6}, logging.Discard()).DecodeStatus(f)
	if eps[0].Latitude != nil {
		t.Errorf("expected near-zero latitude to be dropped with epsilon")
	}
	keep := NewDecoder(DecodeOptions{}, logging.Discard()).DecodeStatus(f)
	if keep[0].Latitude == nil || keep[0].Longitude == nil {
		t.Errorf("expected coordinates kept when zero-fix dropping is disabled")
	}
}

func TestDecodeShortArraysDefault(t *testing.T) {
	got := newTestDecoder().DecodeStatus(UIStatusFrame{
		DroneIDs:   []string{"a", "b"},
		Heartbeats: []bool{true},
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[1].Connected || got[1].Battery != 0 || got[1].Latitude != nil {
		t.Errorf("expected defaults for b, got %+v", got[1])
	}
}

func TestDecodeStatusJSON(t *testing.T) {
	d := newTestDecoder()
	body := `{"drone_ids":["d1"],"heartbeats":[true],"battery_percentages":[42.5],"flight_readies":[true],"armeds":[true],"status_in_flights":"AQ=="}`
	got, err := d.DecodeStatusJSON([]byte(body))
	if err != nil {
		t.Fatalf("DecodeStatusJSON: %v", err)
	}
	if len(got) != 1 || got[0].Status != SeverityWarning || got[0].Battery != 42.5 {
		t.Fatalf("unexpected decode: %+v", got)
	}
	if _, err := d.DecodeStatusJSON([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestDecodeStatusJSONMalformedFieldFallsBack(t *testing.T) {
	d := newTestDecoder()
	body := `{"drone_ids":["d1","d2"],"heartbeats":[0,1],"battery_percentages":[5,60],"flight_readies":"yes","armeds":[true,false],"status_in_flights":[2,0]}`
	got, err := d.DecodeStatusJSON([]byte(body))
	if err != nil {
		t.Fatalf("DecodeStatusJSON: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 drones, got %+v", got)
	}
	if got[0].Connected || got[0].Ready || got[0].Battery != 5 || !got[0].Armed || got[0].Status != SeverityDanger {
		t.Errorf("d1 = %+v", got[0])
	}
	if got[1].Connected || got[1].Battery != 60 {
		t.Errorf("d2 = %+v", got[1])
	}

	got, err = d.DecodeStatusJSON([]byte(`{"drone_ids":{"d1":true}}`))
	if err != nil || len(got) != 0 {
		t.Fatalf("bad drone ids: %+v %v", got, err)
	}
	if _, err := d.DecodeStatusJSON([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for a non-object body")
	}
}
