package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/arbiter"
	"droneops-gcs/internal/logging"
)

var lockClientID string

var lockCmd = &cobra.Command{
	Use:       "lock [acquire|heartbeat|release|status]",
	Short:     "Inspect or operate the operator lock",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"acquire", "heartbeat", "release", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id := cfg.Arbiter.ClientID
		if lockClientID != "" {
			id = lockClientID
		}
		c := arbiter.NewLockClient(arbiter.LockOptions{
			BaseURL:  cfg.Arbiter.URL,
			ClientID: id,
			APIKey:   cfg.Arbiter.APIKey,
			Logger:   logging.Discard(),
		})
		ctx := cmd.Context()
		var out any
		switch args[0] {
		case "acquire":
			out = c.Acquire(ctx)
		case "heartbeat":
			out = c.Heartbeat(ctx)
		case "release":
			out = c.Release(ctx)
		case "status":
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out = st
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if r, ok := out.(arbiter.Result); ok && !r.OK {
			return fmt.Errorf("lock %s: %s", args[0], r)
		}
		return nil
	},
}

func init() {
	lockCmd.Flags().StringVar(&lockClientID, "client-id", "", "Client id to act as (defaults to arbiter.client_id)")
}
