package model

import "time"

// Validation challenge methods.
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Validation challenge statuses.
const (
	ChallengePending    = "pending"
	ChallengeProcessing = "processing"
	ChallengeValid      = "valid"
	ChallengeInvalid    = "invalid"
	ChallengeExpired    = "expired"
)

// ValidationChallenge is one domain-control proof attached to a
// certificate while it is in pending_validation.
type ValidationChallenge struct {
	ID            string     `json:"id" db:"id"`
	CertificateID string     `json:"certificate_id" db:"certificate_id"`
	Method        string     `json:"method" db:"method"`
	Token         string     `json:"token" db:"token"`
	// Response is the value the domain owner must publish: the key
	// authorization file body for http-01, the TXT record for dns-01.
	Response  string     `json:"response" db:"response"`
	Status    string     `json:"status" db:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}
