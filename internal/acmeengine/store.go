package acmeengine

import (
	"context"
	"time"

	"github.com/edvin/certflow/internal/model"
)

// Store persists the engine's protocol state. The production
// implementation lives in internal/core and writes through pgx.
type Store interface {
	// AccountBySubscription returns the subscription's account for the
	// given provider name, or nil when none has been registered yet.
	AccountBySubscription(ctx context.Context, subscriptionID, provider string) (*model.AcmeAccount, error)
	CreateAccount(ctx context.Context, acct *model.AcmeAccount) error
	DeactivateAccountsByCredential(ctx context.Context, credentialID string) error

	// ActiveEabCredential returns the subscription's usable EAB
	// credential: credential active AND owning subscription active.
	ActiveEabCredential(ctx context.Context, subscriptionID string) (*model.EabCredential, error)
	// CredentialUsable re-checks usability at order time so a revoked
	// credential disables its accounts immediately, even before any
	// background job touches the account row.
	CredentialUsable(ctx context.Context, credentialID string) (bool, error)
	MarkCredentialUsed(ctx context.Context, credentialID string) error

	CreateOrder(ctx context.Context, order *model.AcmeOrder, authzs []model.AcmeAuthorization, challenges []model.AcmeChallenge) error
	OrderByURL(ctx context.Context, orderURL string) (*model.AcmeOrder, error)
	AccountByOrder(ctx context.Context, orderID string) (*model.AcmeAccount, error)
	OrderByCertificate(ctx context.Context, certificateID string) (*model.AcmeOrder, error)
	AuthorizationsByOrder(ctx context.Context, orderID string) ([]model.AcmeAuthorization, error)
	ChallengesByAuthorization(ctx context.Context, authzID string) ([]model.AcmeChallenge, error)
	UpdateAuthorizationStatus(ctx context.Context, authzID, status string) error
	UpdateChallengeStatus(ctx context.Context, challengeID, status string) error
	UpdateOrderStatus(ctx context.Context, orderID, status string, errDetail *string) error
	SetOrderCertificate(ctx context.Context, orderID, certPEM, chainPEM string, issuedAt, notAfter time.Time) error
}
