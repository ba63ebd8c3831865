package core

import "errors"

// Stable error kinds returned by core services. Handlers map these to
// HTTP status codes with errors.Is; everything else surfaces as a 500.
var (
	// ErrValidation marks malformed or semantically invalid input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a lookup for a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRequest marks an issuance request for a
	// (subscription, domain) pair that already has a live certificate.
	ErrDuplicateRequest = errors.New("duplicate certificate request")

	// ErrDomainLimitExceeded marks an issuance request that would put a
	// subscription over its domain quota.
	ErrDomainLimitExceeded = errors.New("subscription domain limit exceeded")

	// ErrNotEligible marks an operation on a certificate whose current
	// status does not permit it, such as renewing a revoked certificate.
	ErrNotEligible = errors.New("certificate not eligible for operation")

	// ErrSubscriptionInactive marks certificate work requested against a
	// subscription that is not in active status.
	ErrSubscriptionInactive = errors.New("subscription not active")

	// ErrProviderUnavailable marks a request for which no configured
	// provider can serve the requirements, or the named provider is down.
	ErrProviderUnavailable = errors.New("no suitable provider available")

	// ErrRevocationAck marks a revocation where the provider never
	// acknowledged within the retry budget; the certificate is revoked
	// locally regardless.
	ErrRevocationAck = errors.New("provider did not acknowledge revocation")

	// ErrStaleEvent marks an external status event that is a duplicate of,
	// or older than, the last applied event for the certificate. Callers
	// treat it as a successful no-op.
	ErrStaleEvent = errors.New("stale provider event")
)
