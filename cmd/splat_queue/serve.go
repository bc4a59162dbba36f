package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jonathan/splat-queue/internal/blob"
	"github.com/jonathan/splat-queue/internal/config"
	"github.com/jonathan/splat-queue/internal/events"
	"github.com/jonathan/splat-queue/internal/server"
	"github.com/jonathan/splat-queue/internal/server/ratelimit"
)

var (
	servePort    int
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the queue API server",
	Long: `Start the HTTP server that accepts uploads, hands jobs to workers over the
worker protocol, streams job events and serves the feed.

Job events go through Redis pub/sub when REDIS_ADDR is set, so several server
instances can share one database. Otherwise they stay in process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides SPLAT_PORT)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply the database schema before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}
	log := newLogger(cfg, "server")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if serveMigrate {
		if err := database.Migrate(ctx); err != nil {
			return err
		}
	}

	blobs, err := blob.NewLocalStore(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	bus, err := newEventBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	srvCfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	srv, err := server.New(srvCfg, database, blobs, bus, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info().
		Str("blob_dir", blobs.Root()).
		Bool("redis", cfg.RedisAddr != "").
		Msg("queue server configured")
	return srv.Start(ctx)
}

// serverConfig assembles the server settings from the service config and the
// auth and rate limit environment.
func serverConfig(cfg *config.ServiceConfig) (server.Config, error) {
	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return server.Config{}, fmt.Errorf("failed to load JWT config: %w", err)
	}
	pwCfg, err := config.NewPasswordConfig()
	if err != nil {
		return server.Config{}, fmt.Errorf("failed to load password config: %w", err)
	}
	return server.Config{
		Port:           cfg.Port,
		WorkerAPIKey:   cfg.WorkerAPIKey,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		JWT:            jwtCfg,
		Password:       pwCfg,
		RateLimit:      ratelimit.LoadConfig(),
	}, nil
}

// newEventBus picks Redis when an address is configured.
func newEventBus(ctx context.Context, cfg *config.ServiceConfig, log zerolog.Logger) (events.Bus, error) {
	if cfg.RedisAddr == "" {
		return events.NewMemoryBus(), nil
	}
	bus, err := events.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisChannel, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	return bus, nil
}
