package model

import "time"

// EabCredential statuses. Revocation is permanent; there is no
// reactivation path.
const (
	EabActive  = "active"
	EabRevoked = "revoked"
)

// EabCredential is a MAC key-id/key pair scoped to one subscription,
// used to authenticate ACME account creation (RFC 8739 external account
// binding). It is usable only while both the credential and its owning
// subscription are active.
type EabCredential struct {
	ID             string     `json:"id" db:"id"`
	SubscriptionID string     `json:"subscription_id" db:"subscription_id"`
	KeyID          string     `json:"key_id" db:"key_id"`
	// MACKey is base64url-encoded, stored encrypted at rest.
	MACKey    string     `json:"-" db:"mac_key_enc"`
	Status    string     `json:"status" db:"status"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}
