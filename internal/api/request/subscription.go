package request

// CreateSubscription registers a subscription with the certificate
// platform. The subscription itself lives in the billing system; this
// row mirrors the fields certificate work depends on.
type CreateSubscription struct {
	ID              string  `json:"id,omitempty"`
	CustomerID      string  `json:"customer_id" validate:"required"`
	Name            string  `json:"name" validate:"required,max=255"`
	MaxDomains      int     `json:"max_domains" validate:"required,min=1"`
	DefaultProvider *string `json:"default_provider,omitempty"`
}

// SubscriptionEvent is a billing-side status transition delivered to
// the cascade handler.
type SubscriptionEvent struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	OldStatus      string `json:"old_status,omitempty"`
	NewStatus      string `json:"new_status" validate:"required,oneof=active past_due cancelled paused"`
}
