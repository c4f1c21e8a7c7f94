// Package main implements the unified blueplane binary.
// This binary can run the whole telemetry pipeline (fast path, workers,
// analytics API) concurrently or individual services based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/blueplane/blueplane/internal/app"
	"github.com/blueplane/blueplane/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, fastpath, workers, serve")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the analytics API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Blueplane - IDE Telemetry Processing Pipeline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: blueplane [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  blueplane --data-dir /data/blueplane\n")
		fmt.Fprintf(os.Stderr, "  blueplane --mode fastpath --data-dir /data/blueplane\n")
		fmt.Fprintf(os.Stderr, "  blueplane --config /etc/blueplane/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  BLUEPLANE_MODE               Service mode (all, fastpath, workers, serve)\n")
		fmt.Fprintf(os.Stderr, "  BLUEPLANE_DATA_DIR           Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  BLUEPLANE_HTTP_ADDR          Analytics API listen address\n")
		fmt.Fprintf(os.Stderr, "  BLUEPLANE_QUEUE_*            Stream queue settings\n")
		fmt.Fprintf(os.Stderr, "  BLUEPLANE_SESSION_*          Session lifecycle settings\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("blueplane version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A .env file is optional; environment variables win over it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env file: %v", err)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      BLUEPLANE                            ║")
	log.Printf("║          IDE Telemetry Processing Pipeline                ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("")

	if cfg.ShouldRunFastPath() {
		log.Printf("Fast Path:")
		log.Printf("  Event Stream: %s", cfg.Queue.EventStream)
		log.Printf("  Batch Size:   %d", cfg.FastPath.BatchSize)
		log.Printf("  Idle Timeout: %v", cfg.Session.IdleTimeout)
	}

	if cfg.ShouldRunWorkers() {
		log.Printf("Workers:")
		log.Printf("  CDC Stream: %s", cfg.Queue.CDCStream)
		log.Printf("  Read Batch: %d", cfg.Workers.ReadBatch)
	}

	if cfg.ShouldRunHTTP() {
		log.Printf("Analytics API:")
		log.Printf("  HTTP: %s", cfg.HTTP.Addr)
	}

	log.Printf("")
}
