package recorder

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"droneops-gcs/internal/telemetry"
)

// FileWriter appends status rows to a JSONL log.
type FileWriter struct {
	mu  sync.Mutex
	out io.WriteCloser
	buf *bufio.Writer
	enc *json.Encoder
}

// NewFileWriter opens path for appending. With maxSizeMB > 0 the log is
// rotated through lumberjack once it reaches that size.
func NewFileWriter(path string, maxSizeMB int) (*FileWriter, error) {
	var out io.WriteCloser
	if maxSizeMB > 0 {
		out = &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: 5}
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	buf := bufio.NewWriter(out)
	return &FileWriter{out: out, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// WriteStatus logs one row per drone and flushes the frame.
func (f *FileWriter) WriteStatus(drones []telemetry.DroneStatus, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range telemetry.Rows(drones, ts) {
		if err := f.enc.Encode(r); err != nil {
			return err
		}
	}
	return f.buf.Flush()
}

// Close flushes and closes the log.
func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.buf.Flush(); err != nil {
		f.out.Close()
		return err
	}
	return f.out.Close()
}
