package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"droneops-gcs/internal/admin"
	"droneops-gcs/internal/arbiter"
	"droneops-gcs/internal/config"
	"droneops-gcs/internal/link"
	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/recorder"
	"droneops-gcs/internal/shell"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/trail"
)

var (
	runHeadless  bool
	runPrintOnly bool
	runClientID  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the operator console",
	Long:  "run acquires operator control, connects to the bridge and shows the fleet dashboard. Without a terminal it runs headless behind the status API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runClientID != "" {
			cfg.Arbiter.ClientID = runClientID
		}
		interactive := !runHeadless && term.IsTerminal(int(os.Stdout.Fd()))
		log := newLogger(cfg.Log, interactive)
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if interactive {
			// the TUI owns stdout
			cfg.Recorder.Stdout = false
		}
		return runConsole(ctx, cfg, interactive, runPrintOnly && !interactive, log)
	},
}

// newLogger keeps the terminal free for the TUI by logging to a file.
func newLogger(lc config.Log, interactive bool) *slog.Logger {
	opts := logging.Options{Level: lc.Level, File: lc.File, JSON: lc.JSON}
	if interactive && opts.File == "" {
		opts.File = "gcs.log"
	}
	if !interactive && runPrintOnly && opts.File == "" {
		// stdout carries recorded frames
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(lc.Level)}))
	}
	return logging.NewWithOptions(opts)
}

func newLink(cfg *config.Config, log *slog.Logger) *link.Manager {
	return link.NewManager(link.Options{
		Topics:        cfg.Bridge.Topics,
		ForceSecure:   cfg.Bridge.ForceSecure,
		SettleDelay:   cfg.Bridge.SettleDelay,
		CheckInterval: cfg.Bridge.CheckInterval,
		StaleAfter:    cfg.Bridge.StaleAfter,
		Reconnect:     cfg.Bridge.Reconnect.ReconnectPolicy(),
		Decoder: telemetry.NewDecoder(telemetry.DecodeOptions{
			DropZeroFix:  cfg.Telemetry.DropZeroFix,
			NoFixEpsilon: cfg.Telemetry.NoFixEpsilon,
		}, log),
		Trails: trail.NewStore(cfg.Telemetry.TrailMaxPoints, cfg.Telemetry.TrailMinDistance),
		Logger: log,
	})
}

func newArbiter(ac config.Arbiter, log *slog.Logger) (arbiter.SessionArbiter, error) {
	switch ac.Strategy {
	case config.StrategySession:
		return arbiter.NewSessionClient(arbiter.SessionOptions{
			BaseURL:           ac.URL,
			APIKey:            ac.APIKey,
			TokenFile:         ac.TokenFile,
			TTL:               ac.SessionTTL,
			HeartbeatInterval: ac.SessionHeartbeat,
			Logger:            log,
		})
	case config.StrategyLock:
		return arbiter.NewLockClient(arbiter.LockOptions{
			BaseURL:           ac.URL,
			ClientID:          ac.ClientID,
			APIKey:            ac.APIKey,
			HeartbeatInterval: ac.HeartbeatInterval,
			Logger:            log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown arbiter strategy %q", ac.Strategy)
	}
}

func runConsole(ctx context.Context, cfg *config.Config, interactive, printOnly bool, log *slog.Logger) error {
	mgr := newLink(cfg, log)
	defer mgr.Close()

	arb, err := newArbiter(cfg.Arbiter, log)
	if err != nil {
		return err
	}
	sh := shell.New(shell.Options{BridgeURL: cfg.Bridge.URL, Link: mgr, Arbiter: arb, Logger: log})

	w, cleanup, err := newWriters(cfg.Recorder, printOnly, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if w != nil {
		rec := recorder.New(w, 64, log)
		defer rec.Attach(mgr)()
		g.Go(func() error {
			rec.Run(gctx)
			written, dropped := rec.Stats()
			log.Info("recorder stopped", "written", written, "dropped", dropped)
			return nil
		})
	}

	if cfg.Admin.Addr != "" {
		srv := admin.NewServer(sh, log)
		g.Go(func() error {
			if err := srv.Start(gctx, cfg.Admin.Addr); err != nil {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		if interactive {
			return shell.NewTUI(sh).Run(gctx)
		}
		if err := sh.Start(gctx); err != nil {
			log.Warn("operator control not acquired; retry via the status API", "err", err)
		}
		<-gctx.Done()
		sh.Close()
		log.Info("gcs stopped")
		return nil
	})
	return g.Wait()
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the terminal UI")
	runCmd.Flags().BoolVar(&runPrintOnly, "print-only", false, "Print status frames to STDOUT instead of writing to GreptimeDB")
	runCmd.Flags().StringVar(&runClientID, "client-id", "", "Override the lock client id")
}
