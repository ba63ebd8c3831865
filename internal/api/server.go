package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/certflow/internal/api/handler"
	mw "github.com/edvin/certflow/internal/api/middleware"
	"github.com/edvin/certflow/internal/config"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/provider"
)

type Server struct {
	router         chi.Router
	logger         zerolog.Logger
	services       *core.Services
	registry       *provider.Registry
	corePool       *pgxpool.Pool
	temporalClient temporalclient.Client
	cfg            *config.Config
	auditLogger    *mw.AuditLogger
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, temporalClient temporalclient.Client, registry *provider.Registry, cfg *config.Config, secretKey []byte) *Server {
	services := core.NewServices(pool, temporalClient, registry, secretKey, logger)
	auditLogger := mw.NewAuditLogger(pool, logger)

	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger,
		services:       services,
		registry:       registry,
		corePool:       pool,
		temporalClient: temporalClient,
		cfg:            cfg,
		auditLogger:    auditLogger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	// Provider callbacks authenticate with per-provider HMAC signatures,
	// not API keys.
	webhook := handler.NewWebhook(s.services.Lifecycle, s.cfg.WebhookSecrets, s.logger)
	s.router.Post("/webhooks/provider/{provider}", webhook.Receive)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.corePool))
		r.Use(s.auditLogger.Middleware)

		// Subscriptions and the billing event feed
		subscription := handler.NewSubscription(s.services.Subscription, s.services.Cascade)
		r.Get("/subscriptions", subscription.List)
		r.Post("/subscriptions", subscription.Create)
		r.Get("/subscriptions/{id}", subscription.Get)
		r.Post("/subscription-events", subscription.Event)

		// Certificates
		certificate := handler.NewCertificate(s.services.Lifecycle)
		r.Post("/certificates", certificate.Request)
		r.Get("/certificates/{id}", certificate.Get)
		r.Get("/subscriptions/{subscriptionID}/certificates", certificate.ListBySubscription)
		r.Post("/certificates/{id}/renew", certificate.Renew)
		r.Post("/certificates/{id}/revoke", certificate.Revoke)
		r.Get("/certificates/{id}/download", certificate.Download)
		r.Get("/certificates/{id}/challenges", certificate.ListChallenges)
		r.Post("/certificates/{id}/challenges/published", certificate.ChallengePublished)

		// EAB credentials
		eab := handler.NewEab(s.services.Eab)
		r.Post("/eab-credentials", eab.Create)
		r.Get("/subscriptions/{subscriptionID}/eab-credentials", eab.ListBySubscription)
		r.Delete("/eab-credentials/{id}", eab.Revoke)

		// Providers
		prov := handler.NewProvider(s.registry)
		r.Get("/providers", prov.List)
		r.Get("/providers/health", prov.Health)

		// API keys
		apiKey := handler.NewAPIKey(s.services.APIKey)
		r.Get("/api-keys", apiKey.List)
		r.Post("/api-keys", apiKey.Create)
		r.Delete("/api-keys/{id}", apiKey.Revoke)

		// Operator actions
		admin := handler.NewAdmin(s.services.Lifecycle)
		r.With(mw.RequireScope("admin", "write")).Post("/admin/renewal-scan", admin.RenewalScan)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.corePool.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close drains the async audit logger.
func (s *Server) Close() error {
	s.auditLogger.Close()
	return nil
}
