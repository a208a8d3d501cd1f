package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/aeolun/relay/pkg/credentials"
	"github.com/aeolun/relay/pkg/logging"
	"github.com/aeolun/relay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to config file (created with defaults if missing)")
	httpPort := flag.Int("http-port", -1, "HTTP port for /health, /metrics and /ws; 0 disables (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite credential database (overrides config)")
	version := flag.Bool("version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("Relay Server %s\n", Version)
		os.Exit(0)
	}

	logCfg := logging.ConfigFromEnv()
	logger, logCloser, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(logger, *configPath, *httpPort, *dbPath, flag.Args()); err != nil {
		logger.Error().Err(err).Msg("Server exited")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(logger zerolog.Logger, configPath string, httpPort int, dbPath string, args []string) error {
	// Load configuration (creates default if not found)
	config := server.DefaultTOMLConfig()
	if configPath != "" {
		loaded, err := server.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		config = loaded
	}

	// Command-line arguments override config file
	if len(args) > 1 {
		return fmt.Errorf("expected at most one positional argument, got %d", len(args))
	}
	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[0])
		}
		config.Server.TCPPort = &port
	}
	if httpPort >= 0 {
		config.Server.HTTPPort = httpPort
	}
	if dbPath != "" {
		config.Credentials.DatabasePath = dbPath
	}

	creds, err := openCredentials(logger, &config)
	if err != nil {
		return err
	}
	defer creds.Close()

	serverConfig := config.ToServerConfig()
	runtime.GOMAXPROCS(serverConfig.WorkerThreads())

	srv := server.NewServer(serverConfig, creds, logger, nil)

	logger.Info().
		Str("version", Version).
		Int("tcp_port", serverConfig.TCPPort).
		Int("http_port", serverConfig.HTTPPort).
		Int("worker_threads", serverConfig.WorkerThreads()).
		Int("history_capacity", serverConfig.HistoryCapacity).
		Msg("Starting relay server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}

// openCredentials opens the SQLite store when a database path is configured,
// otherwise an in-memory one
func openCredentials(logger zerolog.Logger, config *server.TOMLConfig) (credentials.Store, error) {
	path, err := config.GetDatabasePath()
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if path == "" {
		logger.Info().Msg("Credentials kept in memory; accounts are lost on restart")
		return credentials.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := credentials.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	users, err := store.Count()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to count registered users")
	}
	logger.Info().Str("database", path).Int("users", users).Msg("Credential database opened")
	return store, nil
}
