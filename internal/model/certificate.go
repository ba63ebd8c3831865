package model

import "time"

// Certificate is a domain-to-be-secured under one subscription. Rows are
// never hard-deleted; terminal statuses are retained for audit.
type Certificate struct {
	ID             string     `json:"id" db:"id"`
	SubscriptionID string     `json:"subscription_id" db:"subscription_id"`
	Domain         string     `json:"domain" db:"domain"`
	CertType       string     `json:"cert_type" db:"cert_type"`
	Provider       string     `json:"provider" db:"provider"`
	ExternalRef    *string    `json:"external_ref,omitempty" db:"external_ref"`
	Status         string     `json:"status" db:"status"`
	StatusMessage  *string    `json:"status_message,omitempty" db:"status_message"`
	LastEventRef   *string    `json:"last_event_ref,omitempty" db:"last_event_ref"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty" db:"last_event_at"`
	IssuedAt       *time.Time `json:"issued_at,omitempty" db:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedReason  *string    `json:"revoked_reason,omitempty" db:"revoked_reason"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	// SuspendedFrom records the status a certificate held before a
	// subscription cascade suspended it, so Resume can restore it.
	SuspendedFrom *string `json:"suspended_from,omitempty" db:"suspended_from"`
	// ProviderResponse is the raw provider payload, kept for audit/debug.
	ProviderResponse []byte `json:"provider_response,omitempty" db:"provider_response"`
	// KeyPEMEnc is the private key, encrypted at rest.
	KeyPEMEnc string `json:"-" db:"key_pem_enc"`
	CertPEM   string `json:"cert_pem,omitempty" db:"cert_pem"`
	ChainPEM  string `json:"chain_pem,omitempty" db:"chain_pem"`
	// RenewedBy points at the replacement certificate once a renewal
	// supersedes this one.
	RenewedBy *string   `json:"renewed_by,omitempty" db:"renewed_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Certificate type classes, by identity-proof rigor.
const (
	CertTypeDV = "dv"
	CertTypeOV = "ov"
	CertTypeEV = "ev"
)

// ValidCertType reports whether t is a known certificate type.
func ValidCertType(t string) bool {
	return t == CertTypeDV || t == CertTypeOV || t == CertTypeEV
}
