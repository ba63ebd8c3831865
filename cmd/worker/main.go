package main

import (
	"context"
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
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/certflow/internal/acmeengine"
	"github.com/edvin/certflow/internal/activity"
	"github.com/edvin/certflow/internal/archive"
	"github.com/edvin/certflow/internal/config"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/db"
	"github.com/edvin/certflow/internal/logging"
	"github.com/edvin/certflow/internal/metrics"
	"github.com/edvin/certflow/internal/provider"
	"github.com/edvin/certflow/internal/workflow"
)

const taskQueue = "certflow-tasks"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

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

	lifecycle := core.NewLifecycleService(pool, tc, registry, secretKey, logger)
	subscriptions := core.NewSubscriptionService(pool)
	archiver := archive.New(logger, archive.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		Region:    cfg.ArchiveRegion,
		Bucket:    cfg.ArchiveBucket,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
	})

	w := worker.New(tc, taskQueue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{&workflow.ErrorTypingInterceptor{}},
	})

	// Register activities
	w.RegisterActivity(activity.NewCertificates(lifecycle, registry))
	w.RegisterActivity(activity.NewSubscriptions(lifecycle, subscriptions, archiver))

	// Register workflows
	w.RegisterWorkflow(workflow.IssueCertificateWorkflow)
	w.RegisterWorkflow(workflow.RenewCertificateWorkflow)
	w.RegisterWorkflow(workflow.CancelSubscriptionWorkflow)
	w.RegisterWorkflow(workflow.RenewCertificatesWorkflow)
	w.RegisterWorkflow(workflow.CheckCertExpiryWorkflow)
	w.RegisterWorkflow(workflow.SweepStuckValidationWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", taskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	// Register cron schedules. Errors for already-existing schedules are
	// ignored so that re-deploys do not fail.
	registerCronSchedules(ctx, tc, taskQueue, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

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

type cronSchedule struct {
	id       string
	cron     string
	workflow interface{}
	args     []interface{}
}

func registerCronSchedules(ctx context.Context, tc temporalclient.Client, taskQueue string, logger zerolog.Logger) {
	schedules := []cronSchedule{
		{
			id:       "cert-renewal-cron",
			cron:     "0 2 * * *",
			workflow: workflow.RenewCertificatesWorkflow,
		},
		{
			id:       "cert-expiry-cron",
			cron:     "0 */6 * * *",
			workflow: workflow.CheckCertExpiryWorkflow,
		},
		{
			id:       "stuck-validation-cron",
			cron:     "30 3 * * *",
			workflow: workflow.SweepStuckValidationWorkflow,
		},
	}

	scheduleClient := tc.ScheduleClient()

	for _, s := range schedules {
		_, err := scheduleClient.Create(ctx, temporalclient.ScheduleOptions{
			ID: s.id,
			Spec: temporalclient.ScheduleSpec{
				CronExpressions: []string{s.cron},
			},
			Action: &temporalclient.ScheduleWorkflowAction{
				ID:        s.id,
				Workflow:  s.workflow,
				Args:      s.args,
				TaskQueue: taskQueue,
			},
		})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already registered") {
				logger.Info().Str("id", s.id).Msg("cron schedule already exists, skipping")
			} else {
				logger.Fatal().Err(err).Str("id", s.id).Msg("failed to create cron schedule")
			}
		} else {
			logger.Info().Str("id", s.id).Str("cron", s.cron).Msg("created cron schedule")
		}
	}
}
