package model

import "time"

// ProviderEvent is one external status report for a certificate, either
// a verified webhook delivery or a poll result. Reconciliation is
// idempotent against redelivery of the same event.
type ProviderEvent struct {
	ExternalRef string    `json:"external_ref"`
	NewStatus   string    `json:"new_status"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Raw         []byte    `json:"raw,omitempty"`
}

// EventRef is the dedup key recorded on the certificate after an event
// is applied; a second delivery with the same ref is a no-op.
func (e ProviderEvent) EventRef() string {
	return e.ExternalRef + "@" + e.NewStatus + "@" + e.Timestamp.UTC().Format(time.RFC3339)
}
