package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/lockserver"
	"droneops-gcs/internal/logging"
)

var (
	lsAddr    string
	lsDriver  string
	lsDSN     string
	lsSecret  string
	keyRole   string
	keyTTL    time.Duration
	keySecret string
)

var lockServerCmd = &cobra.Command{
	Use:   "lock-server",
	Short: "Serve the operator lock and session endpoints",
	Long:  "lock-server runs the lock functions, the session REST table and its change feed on SQLite or Postgres.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		lc := cfg.LockServer
		if cmd.Flags().Changed("addr") {
			lc.Addr = lsAddr
		}
		if cmd.Flags().Changed("driver") {
			lc.Driver = lsDriver
		}
		if cmd.Flags().Changed("dsn") {
			lc.DSN = lsDSN
		}
		if lsSecret != "" {
			lc.JWTSecret = lsSecret
		}
		log := logging.NewWithOptions(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

		store, err := lockserver.Open(lc.Driver, lc.DSN)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		srv := lockserver.NewServer(lockserver.Options{
			Store:       store,
			Secret:      lc.JWTSecret,
			LockTimeout: lc.LockTimeout,
			Logger:      log,
		})
		log.Info("lock server starting", "addr", lc.Addr, "driver", lc.Driver, "auth", lc.JWTSecret != "")
		return srv.ListenAndServe(ctx, lc.Addr)
	},
}

var issueKeyCmd = &cobra.Command{
	Use:   "issue-key",
	Short: "Sign an API key for the session endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := keySecret
		if secret == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret = cfg.LockServer.JWTSecret
		}
		if secret == "" {
			return fmt.Errorf("no JWT secret configured")
		}
		key, err := lockserver.IssueKey(secret, keyRole, keyTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	lockServerCmd.Flags().StringVar(&lsAddr, "addr", ":8787", "Listen address")
	lockServerCmd.Flags().StringVar(&lsDriver, "driver", "sqlite3", "Database driver (sqlite3 or postgres)")
	lockServerCmd.Flags().StringVar(&lsDSN, "dsn", "gcs-lock.db", "Database DSN")
	lockServerCmd.Flags().StringVar(&lsSecret, "jwt-secret", "", "HS256 secret for session API keys")
	issueKeyCmd.Flags().StringVar(&keyRole, "role", "anon", "Role claim")
	issueKeyCmd.Flags().DurationVar(&keyTTL, "ttl", 0, "Key lifetime (0 never expires)")
	issueKeyCmd.Flags().StringVar(&keySecret, "jwt-secret", "", "HS256 secret (defaults to lock_server.jwt_secret)")
	lockServerCmd.AddCommand(issueKeyCmd)
}
