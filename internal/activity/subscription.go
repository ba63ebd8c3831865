package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/edvin/certflow/internal/archive"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/model"
)

// Subscriptions contains activities for the subscription cancellation
// workflow: revoke what was issued, terminate what was in flight,
// archive the audit snapshot, then close the books.
type Subscriptions struct {
	lifecycle *core.LifecycleService
	subs      *core.SubscriptionService
	archiver  *archive.Archiver
}

// NewSubscriptions creates a new Subscriptions activity struct.
func NewSubscriptions(lifecycle *core.LifecycleService, subs *core.SubscriptionService, archiver *archive.Archiver) *Subscriptions {
	return &Subscriptions{lifecycle: lifecycle, subs: subs, archiver: archiver}
}

// TeardownTargets partitions a subscription's live certificates by the
// action cancellation owes them.
type TeardownTargets struct {
	Revoke    []string `json:"revoke"`
	Terminate []string `json:"terminate"`
}

// ListTeardownTargets returns the certificates a cancellation must
// revoke (material exists at the CA) or terminate (nothing issued yet).
func (a *Subscriptions) ListTeardownTargets(ctx context.Context, subscriptionID string) (*TeardownTargets, error) {
	certs, err := a.lifecycle.ListByStatuses(ctx, subscriptionID, model.NonTerminalStatuses())
	if err != nil {
		return nil, err
	}

	targets := &TeardownTargets{}
	for _, c := range certs {
		switch c.Status {
		case model.StatusIssued, model.StatusExpiring, model.StatusRenewalPending:
			targets.Revoke = append(targets.Revoke, c.ID)
		case model.StatusSuspended:
			// A suspension over issued material still needs the CA told.
			if c.SuspendedFrom != nil && model.HoldsLiveMaterial(*c.SuspendedFrom) {
				targets.Revoke = append(targets.Revoke, c.ID)
			} else {
				targets.Terminate = append(targets.Terminate, c.ID)
			}
		default:
			targets.Terminate = append(targets.Terminate, c.ID)
		}
	}
	return targets, nil
}

// RevokeCertificateParams holds parameters for the RevokeCertificate activity.
type RevokeCertificateParams struct {
	CertificateID string `json:"certificate_id"`
	Reason        string `json:"reason"`
}

// RevokeCertificate revokes one certificate at its CA. Certificates
// that moved out of a revocable status since the scan are skipped.
func (a *Subscriptions) RevokeCertificate(ctx context.Context, params RevokeCertificateParams) error {
	err := a.lifecycle.Revoke(ctx, params.CertificateID, params.Reason)
	if errors.Is(err, core.ErrNotEligible) || errors.Is(err, core.ErrValidation) {
		return nil
	}
	return err
}

// TerminateCertificate terminates one certificate, cancelling its
// issuance workflow when one is running.
func (a *Subscriptions) TerminateCertificate(ctx context.Context, certID string) error {
	return a.lifecycle.Terminate(ctx, certID)
}

// SnapshotSubscription archives the subscription and all of its
// certificate rows to object storage and returns the object key.
func (a *Subscriptions) SnapshotSubscription(ctx context.Context, subscriptionID string) (string, error) {
	sub, err := a.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}

	var certs []model.Certificate
	cursor := ""
	for {
		page, more, err := a.lifecycle.ListBySubscription(ctx, subscriptionID, 100, cursor)
		if err != nil {
			return "", err
		}
		certs = append(certs, page...)
		if !more || len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID
	}

	key, err := a.archiver.Store(ctx, archive.Snapshot{
		Subscription: *sub,
		Certificates: certs,
	})
	if err != nil {
		return "", fmt.Errorf("archive subscription %s: %w", subscriptionID, err)
	}
	return key, nil
}

// RemoveCertificates marks every settled certificate of a cancelled
// subscription as removed and returns how many rows it closed.
func (a *Subscriptions) RemoveCertificates(ctx context.Context, subscriptionID string) (int, error) {
	settled := []string{
		model.StatusRevoked, model.StatusTerminated, model.StatusExpired,
		model.StatusFailed, model.StatusSuperseded,
	}
	certs, err := a.lifecycle.ListByStatuses(ctx, subscriptionID, settled)
	if err != nil {
		return 0, err
	}
	for _, c := range certs {
		if err := a.lifecycle.MarkRemoved(ctx, c.ID); err != nil {
			return 0, err
		}
	}
	return len(certs), nil
}
