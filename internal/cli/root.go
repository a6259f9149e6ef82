// Package cli implements the command-line interface for tripsync.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kilupskalvis/tripsync/internal/config"
	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  *store.Store
	Logger *slog.Logger

	Source remote.DataSource
	Ops    *core.OperationService
	Trips  *core.TripService
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// Network is the state every command runs under: offline when forced by
// the config or the --offline flag.
func (c *cmdContext) Network() models.NetworkState {
	if offlineFlag || c.Config.ForceOffline {
		return models.NetworkOffline
	}
	return models.NetworkOnline
}

// initContext initializes config and store (no pod access)
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		st.Close()
		exitError("failed to initialize store: %v", err)
	}

	return &cmdContext{Config: cfg, Store: st, Logger: newLogger(cfg, os.Stderr)}
}

// initFullContext initializes config, store, the pod data source and the
// services.
func initFullContext() *cmdContext {
	c := initContext()
	cfg := c.Config

	client := remote.NewHTTPClient(cfg.PodURL, cfg.Token, cfg.RequestTimeout.Duration)
	retry := remote.DefaultRetryConfig()
	retry.MaxRetries = cfg.RetryMax
	retry.InitialBackoff = cfg.RetryInitialBackoff.Duration
	c.Source = remote.NewCachedSource(remote.NewRetryClient(client, retry), cfg.CacheTTL.Duration)

	opts := core.Options{Logger: c.Logger, DeviceID: cfg.DeviceID}
	if nearFlag != "" {
		pos, err := parsePosition(nearFlag)
		if err != nil {
			c.Close()
			exitError("%v", err)
		}
		opts.Positions = pos
	}
	c.Ops = core.NewOperationService(c.Store, c.Source, opts)
	c.Trips = core.NewTripService(c.Store, c.Source, c.Ops, opts)
	return c
}

// newLogger builds the command logger from the configured level and format.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if verboseFlag {
		opts.Level = slog.LevelDebug
	}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var (
	offlineFlag bool
	verboseFlag bool
	nearFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "tripsync",
	Short: "Offline-first fishing trip synchronization",
	Long: `tripsync keeps the fishing operations recorded on a device in sync with a
data pod. Operations are saved locally while offline and sent to the pod
when the network comes back, with parent and child operations kept linked
across the id changes.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "Work without contacting the pod")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(migrateLegacyCmd)
	rootCmd.AddCommand(podCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
