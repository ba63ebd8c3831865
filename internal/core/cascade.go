package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/api/serviceerror"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/certflow/internal/model"
)

// CascadeService reacts to subscription status transitions delivered by
// the billing collaborator and fans the consequences out to the
// subscription's certificates. Delivery is at-least-once, so every step
// must tolerate redelivery.
type CascadeService struct {
	db        DB
	tc        temporalclient.Client
	lifecycle *LifecycleService
	subs      *SubscriptionService
	logger    zerolog.Logger
}

func NewCascadeService(db DB, tc temporalclient.Client, lifecycle *LifecycleService, subs *SubscriptionService, logger zerolog.Logger) *CascadeService {
	return &CascadeService{
		db:        db,
		tc:        tc,
		lifecycle: lifecycle,
		subs:      subs,
		logger:    logger.With().Str("service", "cascade").Logger(),
	}
}

// HandleTransition applies one subscription event. The subscription row
// is updated first; the certificate cascade runs regardless of whether
// the row changed, because each certificate step is itself a no-op when
// already applied.
func (s *CascadeService) HandleTransition(ctx context.Context, ev model.SubscriptionEvent) error {
	changed, err := s.subs.SetStatus(ctx, ev.SubscriptionID, ev.NewStatus)
	if err != nil {
		return err
	}
	log := s.logger.With().Str("subscription_id", ev.SubscriptionID).
		Str("old_status", ev.OldStatus).Str("new_status", ev.NewStatus).Logger()
	if !changed {
		log.Info().Msg("subscription event redelivered, cascading anyway")
	}

	switch ev.NewStatus {
	case model.SubscriptionPastDue:
		return s.suspendAll(ctx, ev.SubscriptionID, log)
	case model.SubscriptionActive:
		return s.resumeAll(ctx, ev.SubscriptionID, log)
	case model.SubscriptionCancelled:
		return s.startCancellation(ctx, ev.SubscriptionID)
	case model.SubscriptionPaused:
		// Certificates stay as they are; the renewal scheduler only
		// considers active subscriptions, so renewals stop on their own.
		log.Info().Msg("subscription paused, renewals off")
		return nil
	default:
		return fmt.Errorf("%w: unknown subscription status %q", ErrValidation, ev.NewStatus)
	}
}

func (s *CascadeService) suspendAll(ctx context.Context, subscriptionID string, log zerolog.Logger) error {
	// Renewals first, so their replacement certificates don't land in
	// the suspend scan halfway through.
	renewing, err := s.lifecycle.ListByStatuses(ctx, subscriptionID, []string{model.StatusRenewalPending})
	if err != nil {
		return err
	}
	for _, cert := range renewing {
		if err := s.lifecycle.CancelRenewal(ctx, cert.ID); err != nil {
			return fmt.Errorf("cancel renewal of %s: %w", cert.ID, err)
		}
	}

	certs, err := s.lifecycle.ListByStatuses(ctx, subscriptionID, model.NonTerminalStatuses())
	if err != nil {
		return err
	}
	for _, cert := range certs {
		if cert.Status == model.StatusSuspended {
			continue
		}
		if err := s.lifecycle.Suspend(ctx, cert.ID); err != nil {
			return fmt.Errorf("suspend certificate %s: %w", cert.ID, err)
		}
	}
	log.Info().Int("suspended", len(certs)).Int("renewals_cancelled", len(renewing)).
		Msg("subscription past due, certificates suspended")
	return nil
}

func (s *CascadeService) resumeAll(ctx context.Context, subscriptionID string, log zerolog.Logger) error {
	certs, err := s.lifecycle.ListByStatuses(ctx, subscriptionID, []string{model.StatusSuspended})
	if err != nil {
		return err
	}
	for _, cert := range certs {
		if _, err := s.lifecycle.Resume(ctx, cert.ID); err != nil {
			return fmt.Errorf("resume certificate %s: %w", cert.ID, err)
		}
	}
	log.Info().Int("resumed", len(certs)).Msg("subscription active again, certificates resumed")
	return nil
}

// startCancellation hands the teardown to a workflow so provider
// revocations get retries and the audit snapshot survives worker
// crashes. The workflow ID makes redelivered cancel events collapse
// into the already-running teardown.
func (s *CascadeService) startCancellation(ctx context.Context, subscriptionID string) error {
	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("subscription-cancel-%s", subscriptionID),
		TaskQueue: taskQueue,
	}, model.CancelSubscriptionWorkflowName, model.CancelSubscriptionTask{SubscriptionID: subscriptionID})
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start %s: %w", model.CancelSubscriptionWorkflowName, err)
	}
	return nil
}
