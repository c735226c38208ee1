package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/recorder"
)

var (
	replayInput     string
	replaySpeed     float64
	replayPrintOnly bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded status log",
	Long:  "replay feeds status frames from a JSONL recording back into GreptimeDB or STDOUT.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.NewWithOptions(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, JSON: cfg.Log.JSON})
		rc := cfg.Recorder
		rc.File = ""
		w, cleanup, err := newWriters(rc, replayPrintOnly, log)
		if err != nil {
			return err
		}
		defer cleanup()
		if w == nil {
			w = recorder.NewStdoutWriter()
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		frames, err := recorder.ReplayFile(ctx, replayInput, w, replaySpeed)
		log.Info("replay finished", "frames", frames, "err", err)
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to status log file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print status frames to STDOUT instead of writing to DB")
	replayCmd.MarkFlagRequired("input")
}
