package activity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/metrics"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/provider"
)

// Certificates contains activities for the issuance and renewal
// workflows. Every state change goes through the lifecycle service so
// the transition rules hold no matter which workflow calls in.
type Certificates struct {
	lifecycle *core.LifecycleService
	registry  *provider.Registry
}

// NewCertificates creates a new Certificates activity struct.
func NewCertificates(lifecycle *core.LifecycleService, registry *provider.Registry) *Certificates {
	return &Certificates{lifecycle: lifecycle, registry: registry}
}

// GetCertificate loads one certificate row.
func (a *Certificates) GetCertificate(ctx context.Context, certID string) (*model.Certificate, error) {
	return a.lifecycle.GetByID(ctx, certID)
}

// PrepareKeyMaterial generates the certificate's private key, stores it
// encrypted, and returns a CSR for the domain in DER form.
func (a *Certificates) PrepareKeyMaterial(ctx context.Context, certID string) ([]byte, error) {
	cert, err := a.lifecycle.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("generate certificate key", "KEY_ERROR", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("marshal certificate key", "KEY_ERROR", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := a.lifecycle.StoreKey(ctx, certID, keyPEM); err != nil {
		return nil, err
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{cert.Domain},
	}, key)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("create CSR", "CSR_ERROR", err)
	}
	return csr, nil
}

// StartIssuanceParams holds parameters for the StartIssuance activity.
type StartIssuanceParams struct {
	CertificateID string `json:"certificate_id"`
	CSR           []byte `json:"csr"`
}

// StartIssuanceResult tells the workflow what the CA demands next.
type StartIssuanceResult struct {
	Status     string `json:"status"`
	Challenges int    `json:"challenges"`
}

// StartIssuance submits the order to the certificate's provider. When
// the CA returns domain-control challenges the certificate moves to
// pending_validation and the workflow waits for the publish signal;
// otherwise it moves straight to processing.
func (a *Certificates) StartIssuance(ctx context.Context, params StartIssuanceParams) (*StartIssuanceResult, error) {
	cert, err := a.lifecycle.GetByID(ctx, params.CertificateID)
	if err != nil {
		return nil, err
	}

	adapter, release, err := a.acquire(ctx, cert.Provider)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := adapter.Issue(ctx, provider.IssueRequest{
		Domain:         cert.Domain,
		CertType:       cert.CertType,
		CSR:            params.CSR,
		SubscriptionID: cert.SubscriptionID,
		CertificateID:  cert.ID,
	})
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(cert.Provider, "issue", "error").Inc()
		return nil, providerError(cert.Provider, "issue", err)
	}
	metrics.ProviderCalls.WithLabelValues(cert.Provider, "issue", "ok").Inc()

	if len(res.Challenges) > 0 {
		challenges := make([]model.ValidationChallenge, 0, len(res.Challenges))
		for _, ch := range res.Challenges {
			challenges = append(challenges, model.ValidationChallenge{
				CertificateID: cert.ID,
				Method:        ch.Method,
				Token:         ch.Token,
				Response:      ch.Response,
				Status:        model.ChallengePending,
				ExpiresAt:     ch.ExpiresAt,
			})
		}
		if err := a.lifecycle.MarkValidationPending(ctx, cert.ID, res.ExternalRef, challenges, res.Raw); err != nil {
			return nil, err
		}
		return &StartIssuanceResult{Status: model.StatusPendingValidation, Challenges: len(challenges)}, nil
	}

	if err := a.lifecycle.MarkProcessing(ctx, cert.ID, res.ExternalRef, res.Raw); err != nil {
		return nil, err
	}
	return &StartIssuanceResult{Status: model.StatusProcessing}, nil
}

// NotifyChallenges tells the CA the domain-control proofs are in place
// so it can verify them. Providers that validate on their own schedule
// don't implement the notifier and need nothing here.
func (a *Certificates) NotifyChallenges(ctx context.Context, certID string) error {
	cert, err := a.lifecycle.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.ExternalRef == nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("certificate %s has no external reference", certID), "NO_EXTERNAL_REF", nil)
	}
	adapter, release, err := a.acquire(ctx, cert.Provider)
	if err != nil {
		return err
	}
	defer release()

	notifier, ok := adapter.(provider.ChallengeNotifier)
	if !ok {
		return nil
	}

	challenges, err := a.lifecycle.ListChallenges(ctx, certID)
	if err != nil {
		return err
	}
	for _, ch := range challenges {
		if ch.Status != model.ChallengePending {
			continue
		}
		if err := notifier.NotifyChallengeReady(ctx, *cert.ExternalRef, ch.Token); err != nil {
			return providerError(cert.Provider, "notify", err)
		}
		if err := a.lifecycle.MarkChallenge(ctx, certID, ch.Token, model.ChallengeProcessing); err != nil {
			return err
		}
	}
	return nil
}

// PollOutcome is the result of one PollIssuance round.
type PollOutcome struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	Failed bool   `json:"failed"`
	Detail string `json:"detail,omitempty"`
}

// PollIssuance asks the CA for the order's current state and reconciles
// it into the certificate. An issued order is reported back without
// reconciling so FetchIssued can store the material in the same
// transition; a webhook that landed first makes that a no-op.
func (a *Certificates) PollIssuance(ctx context.Context, certID string) (*PollOutcome, error) {
	cert, err := a.lifecycle.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status == model.StatusIssued {
		return &PollOutcome{Status: cert.Status, Ready: true}, nil
	}
	if cert.ExternalRef == nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("certificate %s has no external reference to poll", certID), "NO_EXTERNAL_REF", nil)
	}

	adapter, release, err := a.acquire(ctx, cert.Provider)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := adapter.Poll(ctx, *cert.ExternalRef)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(cert.Provider, "poll", "error").Inc()
		return nil, providerError(cert.Provider, "poll", err)
	}
	metrics.ProviderCalls.WithLabelValues(cert.Provider, "poll", "ok").Inc()

	switch res.Status {
	case model.StatusIssued:
		return &PollOutcome{Status: res.Status, Ready: true}, nil
	case model.StatusFailed:
		if err := a.lifecycle.MarkFailed(ctx, certID, res.Detail); err != nil {
			return nil, err
		}
		return &PollOutcome{Status: res.Status, Failed: true, Detail: res.Detail}, nil
	case model.StatusRevoked:
		// A CA-side revocation of an order that never delivered material
		// is a failed issuance, not a certificate revocation.
		detail := res.Detail
		if detail == "" {
			detail = "order revoked by the CA"
		}
		if err := a.lifecycle.MarkFailed(ctx, certID, detail); err != nil {
			return nil, err
		}
		return &PollOutcome{Status: model.StatusFailed, Failed: true, Detail: detail}, nil
	}

	ev := model.ProviderEvent{
		ExternalRef: *cert.ExternalRef,
		NewStatus:   res.Status,
		Detail:      res.Detail,
		Timestamp:   time.Now().UTC(),
		Raw:         res.Raw,
	}
	if err := a.lifecycle.ReconcileExternalStatus(ctx, cert.Provider, ev); err != nil {
		return nil, err
	}
	return &PollOutcome{Status: res.Status, Detail: res.Detail}, nil
}

// FetchIssued downloads the issued certificate from the CA, extracts
// its validity window from the leaf, and stores the material.
func (a *Certificates) FetchIssued(ctx context.Context, certID string) error {
	cert, err := a.lifecycle.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.ExternalRef == nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("certificate %s has no external reference to download", certID), "NO_EXTERNAL_REF", nil)
	}

	adapter, release, err := a.acquire(ctx, cert.Provider)
	if err != nil {
		return err
	}
	defer release()

	mat, err := adapter.Download(ctx, *cert.ExternalRef, provider.FormatPEM)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(cert.Provider, "download", "error").Inc()
		return providerError(cert.Provider, "download", err)
	}
	metrics.ProviderCalls.WithLabelValues(cert.Provider, "download", "ok").Inc()

	block, _ := pem.Decode([]byte(mat.CertPEM))
	if block == nil {
		return temporal.NewNonRetryableApplicationError("decode issued certificate PEM", "PARSE_ERROR", nil)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("parse issued certificate", "PARSE_ERROR", err)
	}

	return a.lifecycle.StoreIssued(ctx, certID, core.IssuedMaterial{
		CertPEM:   mat.CertPEM,
		ChainPEM:  mat.ChainPEM,
		IssuedAt:  leaf.NotBefore,
		ExpiresAt: leaf.NotAfter,
	})
}

// FailCertificateParams holds parameters for the FailCertificate activity.
type FailCertificateParams struct {
	CertificateID string `json:"certificate_id"`
	Message       string `json:"message"`
}

// FailCertificate moves an in-flight certificate to failed.
func (a *Certificates) FailCertificate(ctx context.Context, params FailCertificateParams) error {
	err := a.lifecycle.MarkFailed(ctx, params.CertificateID, params.Message)
	if errors.Is(err, core.ErrNotEligible) {
		// Already settled by a webhook or a concurrent transition.
		return nil
	}
	return err
}

func (a *Certificates) acquire(ctx context.Context, name string) (provider.Adapter, func(), error) {
	adapter, err := a.registry.Get(name)
	if err != nil {
		return nil, nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("provider %s not registered", name), "UNKNOWN_PROVIDER", err)
	}
	release, err := a.registry.Acquire(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire provider %s: %w", name, err)
	}
	return adapter, release, nil
}

// providerError keeps transient provider failures retryable and turns
// everything else into a terminal activity error.
func providerError(providerName, op string, err error) error {
	if provider.IsTransient(err) {
		return fmt.Errorf("%s via %s: %w", op, providerName, err)
	}
	return temporal.NewNonRetryableApplicationError(
		fmt.Sprintf("%s via %s rejected", op, providerName), "PROVIDER_REJECTED", err)
}
