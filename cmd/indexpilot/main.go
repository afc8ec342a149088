package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/eventbus"
	"github.com/indexpilot/indexpilot/internal/plan"
	"github.com/indexpilot/indexpilot/internal/safesql"
	"github.com/indexpilot/indexpilot/internal/server"
	"github.com/indexpilot/indexpilot/internal/tools"
	"github.com/indexpilot/indexpilot/internal/tuner"
	"github.com/indexpilot/indexpilot/internal/workload"
)

var (
	flagAccessMode  string
	flagDatabaseURL string
	flagListenAddr  string
	flagNatsURL     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "indexpilot",
		Short: "Postgres index tuning and guarded SQL execution service",
		Long: `indexpilot connects to a Postgres database and exposes an HTTP API for
guarded SQL execution, what-if EXPLAIN, and workload-driven index
recommendations backed by hypothetical indexes (hypopg).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.Flags().StringVar(&flagAccessMode, "access-mode", "", "SQL access mode: unrestricted, restricted or dml_only (overrides ACCESS_MODE)")
	rootCmd.Flags().StringVar(&flagDatabaseURL, "database-url", "", "Postgres connection string (overrides DATABASE_URL)")
	rootCmd.Flags().StringVar(&flagListenAddr, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&flagNatsURL, "nats-url", "", "NATS server URL for event publishing (overrides NATS_URL)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	log.Printf("indexpilot starting...")

	applyFlagOverrides()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded successfully")
	log.Printf("  Listen Address: %s", cfg.ListenAddr)
	log.Printf("  Access Mode: %s", cfg.AccessMode)
	log.Printf("  Statement Timeout: %s", cfg.StatementTimeout)
	if cfg.NatsURL != "" {
		log.Printf("  NATS URL: %s", cfg.NatsURL)
	} else {
		log.Printf("  NATS publishing disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	driver, err := db.NewPostgres(ctx, cfg.DatabaseURL, cfg.StatementTimeout)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer driver.Close()

	var events *eventbus.Publisher
	if cfg.NatsURL != "" {
		events, err = eventbus.NewPublisher(cfg.NatsURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer events.Close()
	}

	plans := plan.NewService(driver)
	toolset := tools.New(
		cfg.AccessMode,
		safesql.NewValidator(cfg.AccessMode),
		driver,
		plans,
		workload.NewCollector(driver),
		candidate.NewGenerator(driver, cfg.Tuning.MaxIndexWidth, cfg.Tuning.MaxCandidates),
		tuner.NewEngine(plans, cfg.Tuning.MinImprovement, 0),
		events,
	)

	srv := server.New(toolset, cfg.ListenAddr, tools.TuningOptions{
		MaxQueries:     cfg.Tuning.DefaultMaxQueries,
		MinTotalTimeMs: cfg.Tuning.MinTotalTimeMs,
		BudgetBytes:    -1,
		MaxRuntime:     cfg.Tuning.MaxRuntime,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
		return nil
	}

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Printf("indexpilot stopped")
	return nil
}

func applyFlagOverrides() {
	if flagAccessMode != "" {
		os.Setenv("ACCESS_MODE", flagAccessMode)
	}
	if flagDatabaseURL != "" {
		os.Setenv("DATABASE_URL", flagDatabaseURL)
	}
	if flagListenAddr != "" {
		os.Setenv("LISTEN_ADDR", flagListenAddr)
	}
	if flagNatsURL != "" {
		os.Setenv("NATS_URL", flagNatsURL)
	}
}
