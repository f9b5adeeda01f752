// Package cli provides the main command-line interface and HTTP health
// surface for the ThemisDB server process. This package orchestrates
// the complete application lifecycle including configuration loading,
// admin facade construction, telemetry startup, and graceful shutdown.
//
// Architecture Overview:
//
//	CLI → Configuration → Admin Facade → Sweepers → Health Endpoint
//
// The server is designed for single-node embedded deployment with
// 12-factor app principles, supporting configuration via environment
// variables, command-line flags, and an optional config file.
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"go.themisdb.dev/internal/admin"
	"go.themisdb.dev/internal/config"
	"go.themisdb.dev/internal/logging"
	"go.themisdb.dev/internal/telemetry"
	"go.themisdb.dev/internal/version"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty, Load falls back to THEMISDB_-prefixed
// environment variables and built-in defaults (internal/config.Default).
var cfgFile string

// RootCmd is the entry point for the themisdb binary.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. THEMISDB_-prefixed environment variables
//  3. Configuration file values (--config)
//  4. Built-in defaults
var RootCmd = &cobra.Command{
	Use:   "themisdb",
	Short: "a single-node multi-model database server",
	Long: `ThemisDB

An embedded multi-model database server combining document, graph,
fulltext, spatial, and vector indexing behind one AQL query surface,
with MVCC transactions and a changefeed.

Flags, environment variables, and an optional YAML/JSON/TOML
configuration file are layered together with automatic precedence
handling.`,
	Run: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML)")
	RootCmd.PersistentFlags().String("data-dir", "", "storage directory")
	RootCmd.PersistentFlags().String("health-addr", "", "liveness/readiness probe address")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")
}

// Execute runs the root command, the single call main.go makes into
// this package.
func Execute() error {
	return RootCmd.Execute()
}

// runServer loads configuration, opens the admin facade, starts the
// background sweepers and telemetry provider, serves a liveness probe,
// and blocks until SIGINT/SIGTERM before draining and closing.
//
// Startup Sequence:
//  1. Load and validate configuration from flags, env, and config file
//  2. Initialize structured logging
//  3. Initialize telemetry (no-op tracer if disabled)
//  4. Open the admin facade over the storage engine
//  5. Start background sweepers
//  6. Serve a liveness/readiness probe over HTTP
//  7. Wait for shutdown signal, drain, and close
func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatalf("themisdb: %v", err)
	}
	if df := cmd.PersistentFlags().Lookup("data-dir"); df != nil && df.Changed {
		cfg.DataDir = df.Value.String()
	}
	if ha := cmd.PersistentFlags().Lookup("health-addr"); ha != nil && ha.Changed {
		cfg.HealthAddr = ha.Value.String()
	}
	if ll := cmd.PersistentFlags().Lookup("log-level"); ll != nil && ll.Changed {
		cfg.LogLevel = ll.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("themisdb: invalid configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:     logging.Level(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: "server",
	})
	logger.Infof("starting themisdb %s (data_dir=%s)", version.GetServerVersion(), cfg.DataDir)

	tracer, err := telemetry.Init(telemetry.Config{ServiceName: "themisdb", Enabled: cfg.TelemetryEnabled})
	if err != nil {
		log.Fatalf("themisdb: telemetry init: %v", err)
	}

	facade, err := admin.Open(cfg)
	if err != nil {
		log.Fatalf("themisdb: open storage: %v", err)
	}
	facade = facade.WithTracer(tracer)

	sweepCtx, cancelSweepers := context.WithCancel(context.Background())
	facade.Start(sweepCtx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.GET("/healthz", func(c echo.Context) error {
		stats := facade.Stats()
		if !stats.IsOk() {
			return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "error": stats.Err.Message})
		}
		return c.JSON(http.StatusOK, echo.Map{
			"status":            "ok",
			"version":           version.GetServerVersion(),
			"open_transactions": stats.Value.OpenTransactions,
			"declared_indexes":  stats.Value.DeclaredIndexes,
		})
	})

	go func() {
		logger.Infof("liveness probe listening on %s", cfg.HealthAddr)
		if err := e.Start(cfg.HealthAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("themisdb: health server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancelSweepers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("health server shutdown: %v", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("telemetry shutdown: %v", err)
	}
	if err := facade.Close(); err != nil {
		log.Fatal(fmt.Errorf("themisdb: close: %w", err))
	}
}
