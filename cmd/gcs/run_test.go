package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"droneops-gcs/internal/config"
	"droneops-gcs/internal/logging"
)

func headlessConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Arbiter.URL = "http://127.0.0.1:1"
	cfg.Admin.Addr = ""
	cfg.Recorder.File = filepath.Join(t.TempDir(), "status.jsonl")
	return cfg
}

func consoleResult(ctx context.Context, t *testing.T, cfg *config.Config) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- runConsole(ctx, cfg, false, false, logging.Discard()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runConsole did not return")
		return nil
	}
}

func TestRunConsoleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := consoleResult(ctx, t, headlessConfig(t)); err != nil {
		t.Fatalf("runConsole returned error: %v", err)
	}
}

func TestRunConsoleStatusAPIFailureStopsConsole(t *testing.T) {
	cfg := headlessConfig(t)
	cfg.Admin.Addr = "127.0.0.1:notaport"
	err := consoleResult(context.Background(), t, cfg)
	if err == nil || !strings.Contains(err.Error(), "status API") {
		t.Fatalf("expected status API error, got %v", err)
	}
}
