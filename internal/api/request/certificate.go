package request

// RequestCertificate asks for a new certificate under a subscription.
type RequestCertificate struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Domain         string `json:"domain" validate:"required,domain"`
	CertType       string `json:"cert_type" validate:"required,oneof=dv ov ev"`
	// Provider pins a specific CA; empty lets the registry choose.
	Provider       string `json:"provider,omitempty"`
	ValidationType string `json:"validation_type,omitempty" validate:"omitempty,oneof=http-01 dns-01"`
}

// RenewCertificate triggers a renewal for an issued certificate.
type RenewCertificate struct {
	// Force renews even outside the provider's renewal window.
	Force bool `json:"force,omitempty"`
}

// RevokeCertificate revokes a certificate at its CA.
type RevokeCertificate struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// ChallengePublished reports that a domain-control proof is in place.
type ChallengePublished struct {
	Token string `json:"token" validate:"required"`
}
