package recorder

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"droneops-gcs/internal/telemetry"
)

// StatusSource is the subscription side of link.Manager.
type StatusSource interface {
	OnStatusUpdate(fn func([]telemetry.DroneStatus)) func()
}

type frame struct {
	drones []telemetry.DroneStatus
	ts     time.Time
}

// Recorder writes every non-empty status frame from a StatusSource to a
// StatusWriter. Writes run on the recorder's own goroutine; frames that
// arrive while the buffer is full are dropped.
type Recorder struct {
	w       StatusWriter
	now     func() time.Time
	log     *slog.Logger
	frames  chan frame
	dropped atomic.Int64
	written atomic.Int64
}

func New(w StatusWriter, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		w:      w,
		now:    time.Now,
		log:    log.With("component", "recorder"),
		frames: make(chan frame, buffer),
	}
}

// Attach subscribes to src and returns the unsubscribe func.
func (r *Recorder) Attach(src StatusSource) func() {
	return src.OnStatusUpdate(r.enqueue)
}

func (r *Recorder) enqueue(drones []telemetry.DroneStatus) {
	// The empty frame is the staleness/disconnect signal, not data.
	if len(drones) == 0 {
		return
	}
	select {
	case r.frames <- frame{drones: drones, ts: r.now()}:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("recorder buffer full, dropping frames", "dropped", n)
		}
	}
}

// Run writes queued frames until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case f := <-r.frames:
			r.write(f)
		case <-ctx.Done():
			for {
				select {
				case f := <-r.frames:
					r.write(f)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(f frame) {
	if err := r.w.WriteStatus(f.drones, f.ts); err != nil {
		r.log.Warn("write status", "drones", len(f.drones), "err", err)
		return
	}
	r.written.Add(1)
}

// Stats reports frames written and dropped so far.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}
