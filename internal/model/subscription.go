package model

import "time"

// Subscription bounds how many certificates may be concurrently
// non-terminal and gates new issuance/renewal work by its own status.
type Subscription struct {
	ID              string    `json:"id" db:"id"`
	CustomerID      string    `json:"customer_id" db:"customer_id"`
	Name            string    `json:"name" db:"name"`
	Status          string    `json:"status" db:"status"`
	MaxDomains      int       `json:"max_domains" db:"max_domains"`
	DefaultProvider *string   `json:"default_provider,omitempty" db:"default_provider"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// AcceptsCertificateWork reports whether the lifecycle manager will take
// new issuance or renewal work for this subscription's certificates.
func (s *Subscription) AcceptsCertificateWork() bool {
	return s.Status == SubscriptionActive
}

// SubscriptionEvent is a discrete state transition delivered by the
// billing collaborator. Delivery is at-least-once.
type SubscriptionEvent struct {
	SubscriptionID string `json:"subscription_id"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
}
