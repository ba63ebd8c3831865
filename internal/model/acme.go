package model

import "time"

// ACME order statuses per RFC 8555 §7.1.6.
const (
	OrderPending    = "pending"
	OrderReady      = "ready"
	OrderProcessing = "processing"
	OrderValid      = "valid"
	OrderInvalid    = "invalid"
)

// ACME authorization statuses per RFC 8555 §7.1.4.
const (
	AuthzPending = "pending"
	AuthzValid   = "valid"
	AuthzInvalid = "invalid"
	AuthzExpired = "expired"
)

// AcmeAccount is a registered ACME account, bound to exactly one EAB
// credential when the directory requires external account binding.
type AcmeAccount struct {
	ID              string    `json:"id" db:"id"`
	SubscriptionID  string    `json:"subscription_id" db:"subscription_id"`
	Provider        string    `json:"provider" db:"provider"`
	AccountURL      string    `json:"account_url" db:"account_url"`
	Contact         string    `json:"contact" db:"contact"`
	KeyPEMEnc       string    `json:"-" db:"key_pem_enc"`
	EabCredentialID *string   `json:"eab_credential_id,omitempty" db:"eab_credential_id"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// AcmeAccount statuses.
const (
	AcmeAccountActive      = "active"
	AcmeAccountDeactivated = "deactivated"
)

// AcmeOrder aggregates one authorization per identifier. Its status is a
// deterministic function of its authorizations: all valid means ready,
// any invalid means invalid.
type AcmeOrder struct {
	ID            string     `json:"id" db:"id"`
	AccountID     string     `json:"account_id" db:"account_id"`
	CertificateID string     `json:"certificate_id" db:"certificate_id"`
	OrderURL      string     `json:"order_url" db:"order_url"`
	FinalizeURL   string     `json:"finalize_url" db:"finalize_url"`
	Status        string     `json:"status" db:"status"`
	Identifiers   []string   `json:"identifiers" db:"identifiers"`
	ErrorDetail   *string    `json:"error_detail,omitempty" db:"error_detail"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	// CSR is kept so finalization can happen on a later poll than the
	// one that created the order.
	CSR       []byte     `json:"-" db:"csr"`
	CertPEM   string     `json:"cert_pem,omitempty" db:"cert_pem"`
	ChainPEM  string     `json:"chain_pem,omitempty" db:"chain_pem"`
	IssuedAt  *time.Time `json:"issued_at,omitempty" db:"issued_at"`
	NotAfter  *time.Time `json:"not_after,omitempty" db:"not_after"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// AcmeAuthorization is one identifier's authorization within an order.
type AcmeAuthorization struct {
	ID         string     `json:"id" db:"id"`
	OrderID    string     `json:"order_id" db:"order_id"`
	Identifier string     `json:"identifier" db:"identifier"`
	AuthzURL   string     `json:"authz_url" db:"authz_url"`
	Status     string     `json:"status" db:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// AcmeChallenge is one proof mechanism offered by an authorization.
type AcmeChallenge struct {
	ID           string    `json:"id" db:"id"`
	AuthzID      string    `json:"authz_id" db:"authz_id"`
	Type         string    `json:"type" db:"type"`
	ChallengeURL string    `json:"challenge_url" db:"challenge_url"`
	Token        string    `json:"token" db:"token"`
	KeyAuth      string    `json:"key_auth" db:"key_auth"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// DeriveOrderStatus computes an order's status from its authorizations.
// Any invalid or expired authorization fails the whole order; the order
// becomes ready only when every authorization is valid.
func DeriveOrderStatus(authzStatuses []string) string {
	if len(authzStatuses) == 0 {
		return OrderPending
	}
	allValid := true
	for _, s := range authzStatuses {
		switch s {
		case AuthzInvalid, AuthzExpired:
			return OrderInvalid
		case AuthzValid:
		default:
			allValid = false
		}
	}
	if allValid {
		return OrderReady
	}
	return OrderPending
}
