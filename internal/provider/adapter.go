package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Cost classes used by the recommendation scoring.
const (
	CostFree    = "free"
	CostPaid    = "paid"
	CostPremium = "premium"
)

// Download formats.
const (
	FormatPEM    = "pem"
	FormatPKCS7  = "pkcs7"
	FormatPKCS12 = "pkcs12"
)

// Capabilities describes what a certificate authority can do. The
// registry scores these against issuance requirements.
type Capabilities struct {
	ValidationTypes   []string `json:"validation_types"`
	CertTypes         []string `json:"cert_types"`
	AutoRenewal       bool     `json:"auto_renewal"`
	Cost              string   `json:"cost"`
	DownloadFormats   []string `json:"download_formats"`
	RenewalWindowDays int      `json:"renewal_window_days"`
	// PlatformAffinity lists hosting platforms this CA integrates with
	// natively (e.g. a cloud CA on its own load balancers).
	PlatformAffinity []string `json:"platform_affinity,omitempty"`
}

// SupportsCertType reports whether the CA issues the given class.
func (c Capabilities) SupportsCertType(t string) bool {
	for _, ct := range c.CertTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// IssueRequest asks an adapter to start issuance for a single domain.
type IssueRequest struct {
	Domain   string
	CertType string
	CSR      []byte
	// SubscriptionID lets ACME-class adapters select the subscription's
	// account and EAB credential.
	SubscriptionID string
	CertificateID  string
}

// Challenge is one domain-control proof the CA demands before issuing.
type Challenge struct {
	Method    string
	Token     string
	Response  string
	ExpiresAt *time.Time
}

// IssueResult is the adapter's answer to an issuance request. Status is
// one of the certificate lifecycle statuses: pending_validation when the
// CA demands domain-control proof, processing when issuance proceeds
// without further input.
type IssueResult struct {
	ExternalRef string
	Status      string
	Challenges  []Challenge
	Raw         []byte
}

// PollResult is the CA's current view of an order.
type PollResult struct {
	Status    string
	Detail    string
	IssuedAt  *time.Time
	ExpiresAt *time.Time
	Raw       []byte
}

// CertificateMaterial is the downloadable certificate payload.
type CertificateMaterial struct {
	CertPEM  string
	ChainPEM string
	Format   string
}

// ConnectionInfo is the result of a connectivity probe.
type ConnectionInfo struct {
	Success     bool          `json:"success"`
	Latency     time.Duration `json:"latency"`
	AccountInfo string        `json:"account_info,omitempty"`
}

// Adapter is the uniform contract over one concrete certificate
// authority. The lifecycle manager and registry depend only on this
// interface, never on concrete provider types.
type Adapter interface {
	Name() string
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
	Poll(ctx context.Context, externalRef string) (*PollResult, error)
	Download(ctx context.Context, externalRef, format string) (*CertificateMaterial, error)
	Revoke(ctx context.Context, externalRef, reason string) error
	TestConnection(ctx context.Context) (*ConnectionInfo, error)
	Capabilities() Capabilities
}

// ChallengeNotifier is implemented by adapters that need to be told when
// a challenge's proof has been published so they can ask the CA to
// verify it. CAs that validate on their own schedule don't implement it.
type ChallengeNotifier interface {
	NotifyChallengeReady(ctx context.Context, externalRef, token string) error
}

// ErrAlreadyRevoked is returned by Revoke when the CA reports the
// certificate was revoked earlier. Callers treat it as success.
var ErrAlreadyRevoked = errors.New("certificate already revoked by CA")

// transientError marks a provider failure as retryable (network errors,
// timeouts, 5xx responses).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats a transient provider error.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err represents a retryable provider
// failure rather than a terminal rejection.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
