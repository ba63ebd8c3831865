package request

// CreateEabCredential mints an external account binding credential for
// a subscription.
type CreateEabCredential struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}
