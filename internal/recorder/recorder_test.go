package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"

	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/telemetry"
)

type mockGreptimeClient struct {
	table *table.Table
	err   error
}

func (m *mockGreptimeClient) Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error) {
	if len(tables) > 0 {
		m.table = tables[0]
	}
	return &gpb.GreptimeResponse{}, m.err
}

type collectWriter struct {
	mu     sync.Mutex
	frames [][]telemetry.DroneStatus
	stamps []time.Time
	err    error
}

func (c *collectWriter) WriteStatus(d []telemetry.DroneStatus, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, d)
	c.stamps = append(c.stamps, ts)
	return c.err
}

func (c *collectWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func f64(v float64) *float64 { return &v }

func sampleFrame() []telemetry.DroneStatus {
	return []telemetry.DroneStatus{
		{ID: "d1", Connected: true, Battery: 87.5, Ready: true, Status: telemetry.SeverityNormal, Latitude: f64(37.1), Longitude: f64(127.2), HeadingDeg: f64(90)},
		{ID: "d2", Connected: false, Battery: 12, Status: telemetry.SeverityDanger},
	}
}

func TestGreptimeWriterStatusRows(t *testing.T) {
	m := &mockGreptimeClient{}
	w := &GreptimeWriter{client: m, table: "gcs_drone_status", log: logging.Discard()}
	ts := time.Unix(1_700_000_000, 0).UTC()

	if err := w.WriteStatus(sampleFrame(), ts); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	if m.table == nil {
		t.Fatal("expected table to be captured")
	}
	rows := m.table.GetRows()
	if len(rows.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows.Rows))
	}
	if rows.Schema[0].ColumnName != "drone_id" || rows.Schema[0].SemanticType != gpb.SemanticType_TAG {
		t.Fatalf("first column = %+v", rows.Schema[0])
	}
	if got := rows.Rows[0].Values[0].GetStringValue(); got != "d1" {
		t.Fatalf("drone_id = %s", got)
	}
	if got := rows.Rows[1].Values[5].GetStringValue(); got != "Danger" {
		t.Fatalf("status = %s", got)
	}
	if got := rows.Rows[0].Values[6].GetF64Value(); got != 37.1 {
		t.Fatalf("lat = %v", got)
	}
}

func TestGreptimeWriterSkipsEmptyFrame(t *testing.T) {
	m := &mockGreptimeClient{}
	w := &GreptimeWriter{client: m, table: "t", log: logging.Discard()}
	if err := w.WriteStatus(nil, time.Now()); err != nil || m.table != nil {
		t.Fatalf("empty frame wrote %v (err %v)", m.table, err)
	}
}

func TestGreptimeWriterPropagatesError(t *testing.T) {
	m := &mockGreptimeClient{err: errors.New("unavailable")}
	w := &GreptimeWriter{client: m, table: "t", log: logging.Discard()}
	if err := w.WriteStatus(sampleFrame(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFileWriterAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.jsonl")
	fw, err := NewFileWriter(path, 0)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	t0 := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 3; i++ {
		if err := fw.WriteStatus(sampleFrame(), t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("WriteStatus: %v", err)
		}
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "\n"); n != 6 {
		t.Fatalf("lines = %d, want 6", n)
	}

	cw := &collectWriter{}
	frames, err := ReplayFile(context.Background(), path, cw, 0)
	if err != nil {
		t.Fatalf("ReplayFile: %v", err)
	}
	if frames != 3 || cw.count() != 3 {
		t.Fatalf("frames = %d, collected = %d", frames, cw.count())
	}
	if len(cw.frames[1]) != 2 || cw.frames[1][1].ID != "d2" || !cw.stamps[1].Equal(t0.Add(time.Second)) {
		t.Fatalf("frame 1 = %+v @ %v", cw.frames[1], cw.stamps[1])
	}
	if !cw.frames[0][0].HasFix() || cw.frames[0][1].HasFix() {
		t.Fatal("fix presence not preserved through the log")
	}
}

func TestReplayHonoursCancellation(t *testing.T) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	t0 := time.Unix(0, 0).UTC()
	enc.Encode(telemetry.StatusRow{DroneStatus: telemetry.DroneStatus{ID: "d1"}, Timestamp: t0})
	enc.Encode(telemetry.StatusRow{DroneStatus: telemetry.DroneStatus{ID: "d1"}, Timestamp: t0.Add(time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cw := &collectWriter{}
	frames, err := Replay(ctx, &buf, cw, 1)
	if !errors.Is(err, context.Canceled) || frames != 1 {
		t.Fatalf("frames=%d err=%v", frames, err)
	}
}

func TestReplayRejectsGarbage(t *testing.T) {
	if _, err := Replay(context.Background(), strings.NewReader("{not json"), &collectWriter{}, 0); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMultiWriterReachesEveryWriter(t *testing.T) {
	a := &collectWriter{err: errors.New("boom")}
	b := &collectWriter{}
	mw := NewMultiWriter(a, nil, b)
	if mw.Len() != 2 {
		t.Fatalf("Len = %d", mw.Len())
	}
	if err := mw.WriteStatus(sampleFrame(), time.Now()); err == nil {
		t.Fatal("expected joined error")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("a=%d b=%d", a.count(), b.count())
	}
}

func TestStdoutWriterLines(t *testing.T) {
	var buf bytes.Buffer
	w := &StdoutWriter{out: &buf}
	w.WriteStatus(sampleFrame(), time.Unix(0, 0))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"id":"d1"`) {
		t.Fatalf("output = %q", buf.String())
	}
}

type fakeSource struct {
	mu sync.Mutex
	fn func([]telemetry.DroneStatus)
}

func (s *fakeSource) OnStatusUpdate(fn func([]telemetry.DroneStatus)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *fakeSource) emit(d []telemetry.DroneStatus) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func TestRecorderWritesNonEmptyFrames(t *testing.T) {
	cw := &collectWriter{}
	r := New(cw, 4, logging.Discard())
	src := &fakeSource{}
	unsub := r.Attach(src)

	src.emit(sampleFrame())
	src.emit(nil)
	src.emit(sampleFrame())
	unsub()
	src.emit(sampleFrame())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	written, dropped := r.Stats()
	if cw.count() != 2 || written != 2 || dropped != 0 {
		t.Fatalf("collected=%d written=%d dropped=%d", cw.count(), written, dropped)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	cw := &collectWriter{}
	r := New(cw, 1, logging.Discard())
	r.enqueue(sampleFrame())
	r.enqueue(sampleFrame())
	r.enqueue(sampleFrame())
	if _, dropped := r.Stats(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
}
