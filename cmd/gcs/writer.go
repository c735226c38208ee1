package main

import (
	"log/slog"

	"droneops-gcs/internal/config"
	"droneops-gcs/internal/recorder"
)

// newWriters builds the status writer for the configured sinks. It returns
// a nil writer when no sink is enabled, and a cleanup function that closes
// any opened files.
func newWriters(rc config.Recorder, printOnly bool, log *slog.Logger) (recorder.StatusWriter, func(), error) {
	cleanup := func() {}
	var ws []recorder.StatusWriter
	if printOnly || rc.Stdout {
		ws = append(ws, recorder.NewStdoutWriter())
	}
	if rc.GreptimeEndpoint != "" && !printOnly {
		db := rc.GreptimeDatabase
		if db == "" {
			db = "public"
		}
		gw, err := recorder.NewGreptimeWriter(rc.GreptimeEndpoint, db, rc.GreptimeTable, log)
		if err != nil {
			return nil, cleanup, err
		}
		ws = append(ws, gw)
	}
	if rc.File != "" {
		fw, err := recorder.NewFileWriter(rc.File, rc.FileMaxSizeMB)
		if err != nil {
			return nil, cleanup, err
		}
		ws = append(ws, fw)
		cleanup = func() { fw.Close() }
	}
	switch len(ws) {
	case 0:
		return nil, cleanup, nil
	case 1:
		return ws[0], cleanup, nil
	default:
		return recorder.NewMultiWriter(ws...), cleanup, nil
	}
}
