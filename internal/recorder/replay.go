package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"droneops-gcs/internal/telemetry"
)

// Replay feeds a JSONL status log back into w. Consecutive rows sharing a
// timestamp form one frame. A speed > 0 paces frames by their recorded
// spacing divided by speed; speed <= 0 replays without delay.
func Replay(ctx context.Context, r io.Reader, w StatusWriter, speed float64) (frames int, err error) {
	dec := json.NewDecoder(r)
	var (
		cur    []telemetry.DroneStatus
		curTS  time.Time
		prevTS time.Time
	)
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		if !prevTS.IsZero() && speed > 0 {
			if wait := time.Duration(float64(curTS.Sub(prevTS)) / speed); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				}
			}
		}
		if err := w.WriteStatus(cur, curTS); err != nil {
			return err
		}
		frames++
		prevTS = curTS
		cur = nil
		return nil
	}
	for {
		var row telemetry.StatusRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, flush()
			}
			return frames, err
		}
		if len(cur) > 0 && !row.Timestamp.Equal(curTS) {
			if err := flush(); err != nil {
				return frames, err
			}
		}
		curTS = row.Timestamp
		cur = append(cur, row.DroneStatus)
	}
}

// ReplayFile opens path and replays it.
func ReplayFile(ctx context.Context, path string, w StatusWriter, speed float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Replay(ctx, f, w, speed)
}
