// Package recorder persists drone status frames received from the bridge.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"droneops-gcs/internal/telemetry"
)

// StatusWriter persists one decoded status frame.
type StatusWriter interface {
	WriteStatus(drones []telemetry.DroneStatus, ts time.Time) error
}

// StdoutWriter prints each status row as a JSON line.
type StdoutWriter struct {
	out io.Writer
}

func NewStdoutWriter() *StdoutWriter { return &StdoutWriter{out: os.Stdout} }

func (w *StdoutWriter) WriteStatus(drones []telemetry.DroneStatus, ts time.Time) error {
	for _, r := range telemetry.Rows(drones, ts) {
		data, _ := json.Marshal(r)
		fmt.Fprintln(w.out, string(data))
	}
	return nil
}

// MultiWriter fans each frame out to several writers. Every writer sees
// the frame even when an earlier one fails.
type MultiWriter struct {
	writers []StatusWriter
}

func NewMultiWriter(ws ...StatusWriter) *MultiWriter {
	out := make([]StatusWriter, 0, len(ws))
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return &MultiWriter{writers: out}
}

func (mw *MultiWriter) WriteStatus(drones []telemetry.DroneStatus, ts time.Time) error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.WriteStatus(drones, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (mw *MultiWriter) Len() int { return len(mw.writers) }
