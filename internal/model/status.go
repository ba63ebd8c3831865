package model

// Certificate lifecycle status constants.
const (
	StatusRequested         = "requested"
	StatusPendingValidation = "pending_validation"
	StatusProcessing        = "processing"
	StatusIssued            = "issued"
	StatusRenewalPending    = "renewal_pending"
	StatusSuperseded        = "superseded"
	StatusExpiring          = "expiring"
	StatusExpired           = "expired"
	StatusFailed            = "failed"
	StatusRevoked           = "revoked"
	StatusSuspended         = "suspended"
	StatusTerminated        = "terminated"
	StatusRemoved           = "removed"
)

// Subscription status constants.
const (
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionPaused    = "paused"
	SubscriptionCancelled = "cancelled"
)

// transitions is the single source of truth for legal certificate status
// changes. Every status write goes through a guarded UPDATE derived from
// this table; no code path sets an arbitrary status.
var transitions = map[string][]string{
	StatusRequested:         {StatusPendingValidation, StatusProcessing, StatusFailed, StatusSuspended, StatusTerminated, StatusRemoved},
	StatusPendingValidation: {StatusProcessing, StatusFailed, StatusSuspended, StatusTerminated, StatusRemoved},
	StatusProcessing:        {StatusIssued, StatusFailed, StatusSuspended, StatusTerminated, StatusRemoved},
	StatusIssued:            {StatusRenewalPending, StatusExpiring, StatusRevoked, StatusSuspended, StatusTerminated, StatusRemoved},
	StatusRenewalPending:    {StatusSuperseded, StatusIssued, StatusExpiring, StatusRevoked, StatusSuspended, StatusTerminated, StatusRemoved},
	StatusExpiring:          {StatusExpired, StatusRenewalPending, StatusRevoked, StatusSuspended, StatusTerminated, StatusRemoved},
	StatusExpired:           {StatusSuspended, StatusTerminated, StatusRemoved},
	StatusSuspended:         {StatusPendingValidation, StatusIssued, StatusExpired, StatusRevoked, StatusTerminated, StatusRemoved},
	StatusFailed:            {StatusTerminated, StatusRemoved},
	StatusSuperseded:        {StatusRemoved},
	StatusRevoked:           {StatusRemoved},
	StatusTerminated:        {StatusRemoved},
	StatusRemoved:           {},
}

// CanTransition reports whether a certificate may move from one status
// to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status ends the certificate's
// lifecycle. Terminal rows are retained for audit; the only move left
// for them is the removal step of a subscription cancellation.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusRevoked, StatusTerminated, StatusRemoved, StatusSuperseded, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// NonTerminalStatuses returns the statuses that count against a
// subscription's domain limit and block duplicate issuance requests.
func NonTerminalStatuses() []string {
	return []string{
		StatusRequested,
		StatusPendingValidation,
		StatusProcessing,
		StatusIssued,
		StatusRenewalPending,
		StatusExpiring,
		StatusSuspended,
	}
}

// HoldsLiveMaterial reports whether a certificate in the given status
// has material the CA still considers live, so revocation owes the CA
// a call.
func HoldsLiveMaterial(status string) bool {
	switch status {
	case StatusIssued, StatusExpiring, StatusRenewalPending:
		return true
	}
	return false
}

// InFlightStatuses returns the statuses that mean an issuance attempt is
// currently in progress. At most one certificate per (subscription,
// domain) may be in one of these.
func InFlightStatuses() []string {
	return []string{StatusRequested, StatusPendingValidation, StatusProcessing}
}
