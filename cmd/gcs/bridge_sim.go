package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/bridgesim"
	"droneops-gcs/internal/logging"
)

var (
	simAddr   string
	simDrones int
	simTick   time.Duration
)

var bridgeSimCmd = &cobra.Command{
	Use:   "bridge-sim",
	Short: "Run a simulated drone bridge",
	Long:  "bridge-sim serves a rosbridge websocket that publishes simulated fleet status and executes mission and manual-control commands.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		bc := cfg.BridgeSim
		if cmd.Flags().Changed("addr") {
			bc.Addr = simAddr
		}
		if cmd.Flags().Changed("drones") {
			bc.Drones = simDrones
		}
		if cmd.Flags().Changed("tick") {
			bc.Tick = simTick
		}
		log := logging.NewWithOptions(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		srv := bridgesim.NewServer(bridgesim.Options{
			Drones:    bc.Drones,
			Tick:      bc.Tick,
			CenterLat: bc.CenterLat,
			CenterLon: bc.CenterLon,
			Topics:    cfg.Bridge.Topics,
			Logger:    log,
		})
		return srv.ListenAndServe(ctx, bc.Addr)
	},
}

func init() {
	bridgeSimCmd.Flags().StringVar(&simAddr, "addr", ":9090", "Listen address")
	bridgeSimCmd.Flags().IntVar(&simDrones, "drones", 4, "Number of simulated drones")
	bridgeSimCmd.Flags().DurationVar(&simTick, "tick", time.Second, "Status publish interval (e.g. 500ms, 2s)")
}
