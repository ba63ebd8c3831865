package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/certflow/internal/acmeengine"
	"github.com/edvin/certflow/internal/api"
	"github.com/edvin/certflow/internal/config"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/db"
	"github.com/edvin/certflow/internal/logging"
	"github.com/edvin/certflow/internal/metrics"
	"github.com/edvin/certflow/internal/provider"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "create-api-key" {
		createAPIKey(os.Args[2:])
		return
	}

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("certflow-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	tlsConfig, err := cfg.TemporalTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
		logger.Info().Msg("temporal mTLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	secretKey, err := cfg.SecretKeyBytes()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid secret key")
	}

	registry := buildRegistry(cfg, pool, secretKey, logger)

	srv := api.NewServer(logger, pool, tc, registry, cfg, secretKey)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting certflow API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func createAPIKey(args []string) {
	fs := flag.NewFlagSet("create-api-key", flag.ExitOnError)
	name := fs.String("name", "", "Name for the API key (required)")
	scopes := fs.String("scopes", "", "Comma-separated scopes granted to the key")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fmt.Fprintln(os.Stderr, "usage: certflow-api create-api-key --name <name> [--scopes <a,b>]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	var scopeList []string
	if *scopes != "" {
		scopeList = strings.Split(*scopes, ",")
	}

	svc := core.NewAPIKeyService(pool)
	key, rawKey, err := svc.Create(ctx, *name, scopeList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key created successfully.\n\n")
	fmt.Printf("  Name:   %s\n", key.Name)
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Key:    %s\n\n", rawKey)
	fmt.Printf("Save this key - it will not be shown again.\n")
}

// buildRegistry mirrors the worker's wiring. The API only needs the
// registry for the provider listing and health endpoints, but it must
// see the same set of adapters the worker issues through.
func buildRegistry(cfg *config.Config, pool *pgxpool.Pool, secretKey []byte, logger zerolog.Logger) *provider.Registry {
	registry := provider.NewRegistry(logger, 5*time.Minute)

	if cfg.GoGetSSLAPIKey != "" {
		registry.Register(provider.NewGoGetSSL(cfg.GoGetSSLBaseURL, cfg.GoGetSSLAPIKey), 100, 10)
	}
	if cfg.GoogleCMProject != "" {
		registry.Register(provider.NewGoogleCM(cfg.GoogleCMBaseURL, cfg.GoogleCMProject, cfg.GoogleCMToken), 80, 10)
	}
	if cfg.ACMEDirectoryURL != "" {
		engine := acmeengine.New(acmeengine.Config{
			Provider:   "acme",
			Contact:    cfg.ACMEContact,
			RequireEAB: cfg.ACMERequireEAB,
			SecretKey:  secretKey,
		}, core.NewAcmeStore(pool, secretKey), acmeengine.NewWireClient(cfg.ACMEDirectoryURL), logger)
		registry.Register(provider.NewACME("acme", engine), 60, 20)
	}

	return registry
}
