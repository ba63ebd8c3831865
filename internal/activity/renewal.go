package activity

import (
	"context"
	"errors"
	"time"

	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/metrics"
)

// renewalScanLimit caps how many renewals one scheduler run dispatches.
// Anything past the cap is picked up by the next run.
const renewalScanLimit = 200

// maxRenewalWindowDays bounds the SQL pre-filter of the renewal scan.
// Per-provider windows are applied on top of it.
const maxRenewalWindowDays = 60

// RenewalPair links a certificate to its in-flight replacement.
type RenewalPair struct {
	OldCertificateID string `json:"old_certificate_id"`
	NewCertificateID string `json:"new_certificate_id"`
}

// ListRenewalCandidates returns the certificates inside their
// provider's renewal window, oldest expiry first.
func (a *Certificates) ListRenewalCandidates(ctx context.Context) ([]string, error) {
	certs, err := a.lifecycle.ListRenewalCandidates(ctx, maxRenewalWindowDays)
	if err != nil {
		return nil, err
	}
	metrics.RenewalScanCandidates.Set(float64(len(certs)))

	ids := make([]string, 0, len(certs))
	for _, c := range certs {
		ids = append(ids, c.ID)
		if len(ids) == renewalScanLimit {
			break
		}
	}
	return ids, nil
}

// PrepareScheduledRenewal re-validates one scan candidate and creates
// its replacement certificate. A nil pair means the candidate stopped
// being eligible between the scan and now; the workflow skips it.
func (a *Certificates) PrepareScheduledRenewal(ctx context.Context, certID string) (*RenewalPair, error) {
	replacement, err := a.lifecycle.PrepareScheduledRenewal(ctx, certID)
	if err != nil {
		if errors.Is(err, core.ErrNotEligible) || errors.Is(err, core.ErrDuplicateRequest) ||
			errors.Is(err, core.ErrSubscriptionInactive) || errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &RenewalPair{OldCertificateID: certID, NewCertificateID: replacement.ID}, nil
}

// CompleteRenewal supersedes the old certificate after its replacement
// was issued.
func (a *Certificates) CompleteRenewal(ctx context.Context, pair RenewalPair) error {
	return a.lifecycle.CompleteRenewal(ctx, pair.OldCertificateID, pair.NewCertificateID)
}

// AbortRenewal returns the old certificate to service after a failed
// renewal attempt.
func (a *Certificates) AbortRenewal(ctx context.Context, oldID string) error {
	err := a.lifecycle.AbortRenewal(ctx, oldID)
	if errors.Is(err, core.ErrNotEligible) {
		return nil
	}
	return err
}

// ListExpiringSoon returns issued certificates whose expiry is within
// the given number of days.
func (a *Certificates) ListExpiringSoon(ctx context.Context, days int) ([]string, error) {
	return a.lifecycle.ListExpiringSoon(ctx, days)
}

// MarkExpiring flags one certificate as approaching expiry.
func (a *Certificates) MarkExpiring(ctx context.Context, certID string) error {
	err := a.lifecycle.MarkExpiring(ctx, certID)
	if errors.Is(err, core.ErrNotEligible) {
		return nil
	}
	return err
}

// ListExpired returns certificates whose lifetime has run out.
func (a *Certificates) ListExpired(ctx context.Context) ([]string, error) {
	return a.lifecycle.ListExpired(ctx)
}

// MarkExpired settles one certificate past its expiry.
func (a *Certificates) MarkExpired(ctx context.Context, certID string) error {
	err := a.lifecycle.MarkExpired(ctx, certID)
	if errors.Is(err, core.ErrNotEligible) {
		return nil
	}
	return err
}

// SweepStuckValidation fails certificates that sat in
// pending_validation past the deadline without a published proof.
func (a *Certificates) SweepStuckValidation(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	ids, err := a.lifecycle.ListStuckValidation(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, id := range ids {
		err := a.lifecycle.MarkFailed(ctx, id, "validation deadline exceeded")
		if err != nil && !errors.Is(err, core.ErrNotEligible) {
			return failed, err
		}
		if err == nil {
			failed++
		}
	}
	return failed, nil
}
