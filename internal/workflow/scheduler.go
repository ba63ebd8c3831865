package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/certflow/internal/activity"
	"github.com/edvin/certflow/internal/model"
)

// expiringSoonDays is how close to expiry an issued certificate is
// flagged as expiring. It must sit inside every provider's renewal
// window so the renewal scan sees flagged certificates first.
const expiringSoonDays = 14

// stuckValidationAge matches the workflow-side validation deadline;
// the sweep catches certificates whose workflow died before failing
// them.
const stuckValidationAge = validationDeadline

func cronActivityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
}

// RenewCertificatesWorkflow is a cron workflow that scans for
// certificates inside their provider's renewal window and starts a
// child renewal workflow for each. One failing renewal never blocks
// the others.
func RenewCertificatesWorkflow(ctx workflow.Context) error {
	ctx = cronActivityOptions(ctx)
	logger := workflow.GetLogger(ctx)

	var candidates []string
	err := workflow.ExecuteActivity(ctx, "ListRenewalCandidates").Get(ctx, &candidates)
	if err != nil {
		return err
	}
	logger.Info("renewal scan complete", "candidates", len(candidates))

	for _, certID := range candidates {
		var pair *activity.RenewalPair
		err := workflow.ExecuteActivity(ctx, "PrepareScheduledRenewal", certID).Get(ctx, &pair)
		if err != nil {
			logger.Error("failed to prepare renewal", "certID", certID, "error", err)
			continue
		}
		if pair == nil {
			// No longer eligible, or a renewal is already in flight.
			continue
		}

		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: "certificate-renew-" + pair.OldCertificateID,
		})
		err = workflow.ExecuteChildWorkflow(childCtx, model.RenewWorkflowName, model.RenewTask{
			OldCertificateID: pair.OldCertificateID,
			NewCertificateID: pair.NewCertificateID,
		}).Get(ctx, nil)
		if err != nil {
			logger.Error("renewal failed", "certID", pair.OldCertificateID, "error", err)
			// Continue renewing other certs even if one fails.
		}
	}

	return nil
}

// CheckCertExpiryWorkflow is a cron workflow that flags issued
// certificates approaching expiry and settles the ones already past
// it.
func CheckCertExpiryWorkflow(ctx workflow.Context) error {
	ctx = cronActivityOptions(ctx)
	logger := workflow.GetLogger(ctx)

	var expiring []string
	err := workflow.ExecuteActivity(ctx, "ListExpiringSoon", expiringSoonDays).Get(ctx, &expiring)
	if err != nil {
		return err
	}
	for _, certID := range expiring {
		if err := workflow.ExecuteActivity(ctx, "MarkExpiring", certID).Get(ctx, nil); err != nil {
			logger.Error("failed to mark certificate expiring", "certID", certID, "error", err)
		}
	}

	var expired []string
	err = workflow.ExecuteActivity(ctx, "ListExpired").Get(ctx, &expired)
	if err != nil {
		return err
	}
	for _, certID := range expired {
		if err := workflow.ExecuteActivity(ctx, "MarkExpired", certID).Get(ctx, nil); err != nil {
			logger.Error("failed to mark certificate expired", "certID", certID, "error", err)
		}
	}

	logger.Info("expiry check complete", "expiring", len(expiring), "expired", len(expired))
	return nil
}

// SweepStuckValidationWorkflow is a cron workflow that fails
// certificates abandoned in pending_validation.
func SweepStuckValidationWorkflow(ctx workflow.Context) error {
	ctx = cronActivityOptions(ctx)

	var failed int
	err := workflow.ExecuteActivity(ctx, "SweepStuckValidation", stuckValidationAge).Get(ctx, &failed)
	if err != nil {
		return err
	}
	if failed > 0 {
		workflow.GetLogger(ctx).Info("swept stuck validations", "failed", failed)
	}
	return nil
}
