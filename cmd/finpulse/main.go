package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/finpulse/internal/config"
	"github.com/rcourtman/finpulse/internal/logging"
	"github.com/rcourtman/finpulse/internal/netutil"
	"github.com/rcourtman/finpulse/internal/settings"
	"github.com/rcourtman/finpulse/internal/storage"
	"github.com/rcourtman/finpulse/internal/token"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "finpulse",
	Short:         "FinPulse - personal finance client core",
	Long:          `FinPulse resolves plan entitlements from your subscription and talks to the AI gateway for spending insights.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(entitlementsCmd)
	rootCmd.AddCommand(aiCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(gatewayCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("FinPulse %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    storage.Store
	tokens   *token.Store
	settings *settings.Store
}

func bootstrap() (*app, error) {
	// Baseline logging so configuration problems are visible.
	logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "finpulse"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "finpulse",
		FilePath:  cfg.LogFile,
	})
	netutil.SetCacheTTL(cfg.DNSCacheTTL)

	store, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		tokens:   token.NewStore(store),
		settings: settings.Load(store, logging.New("settings")),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close storage")
	}
	logging.Shutdown()
}

// withApp runs fn with a bootstrapped app and a context cancelled on
// SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}
