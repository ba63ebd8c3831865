package core

import (
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/certflow/internal/provider"
)

// Services bundles the core service layer for wiring into the API
// server and the worker.
type Services struct {
	Lifecycle    *LifecycleService
	Subscription *SubscriptionService
	Cascade      *CascadeService
	Eab          *EabService
	APIKey       *APIKeyService
	AcmeStore    *AcmeStore
}

func NewServices(db DB, tc temporalclient.Client, reg *provider.Registry, secretKey []byte, logger zerolog.Logger) *Services {
	lifecycle := NewLifecycleService(db, tc, reg, secretKey, logger)
	subscription := NewSubscriptionService(db)
	return &Services{
		Lifecycle:    lifecycle,
		Subscription: subscription,
		Cascade:      NewCascadeService(db, tc, lifecycle, subscription, logger),
		Eab:          NewEabService(db, secretKey, logger),
		APIKey:       NewAPIKeyService(db),
		AcmeStore:    NewAcmeStore(db, secretKey),
	}
}
