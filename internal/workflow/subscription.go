package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/certflow/internal/activity"
	"github.com/edvin/certflow/internal/model"
)

// CancelSubscriptionWorkflow tears down every certificate of a
// cancelled subscription: revoke what has material at a CA, terminate
// what is still in flight, archive the audit snapshot, then mark the
// rows removed. Individual certificate failures are logged and the
// teardown continues; the snapshot and removal steps run regardless.
func CancelSubscriptionWorkflow(ctx workflow.Context, task model.CancelSubscriptionTask) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		// Revocation retries against the CA happen inside the activity.
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			MaximumInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	logger := workflow.GetLogger(ctx)

	var targets activity.TeardownTargets
	err := workflow.ExecuteActivity(ctx, "ListTeardownTargets", task.SubscriptionID).Get(ctx, &targets)
	if err != nil {
		return err
	}
	logger.Info("subscription teardown started", "subscriptionID", task.SubscriptionID,
		"revoke", len(targets.Revoke), "terminate", len(targets.Terminate))

	for _, certID := range targets.Revoke {
		err := workflow.ExecuteActivity(ctx, "RevokeCertificate", activity.RevokeCertificateParams{
			CertificateID: certID,
			Reason:        "subscription cancelled",
		}).Get(ctx, nil)
		if err != nil {
			logger.Error("failed to revoke certificate during teardown", "certID", certID, "error", err)
			// Continue with the rest of the teardown.
		}
	}

	for _, certID := range targets.Terminate {
		err := workflow.ExecuteActivity(ctx, "TerminateCertificate", certID).Get(ctx, nil)
		if err != nil {
			logger.Error("failed to terminate certificate during teardown", "certID", certID, "error", err)
		}
	}

	var snapshotKey string
	err = workflow.ExecuteActivity(ctx, "SnapshotSubscription", task.SubscriptionID).Get(ctx, &snapshotKey)
	if err != nil {
		return err
	}

	var removed int
	err = workflow.ExecuteActivity(ctx, "RemoveCertificates", task.SubscriptionID).Get(ctx, &removed)
	if err != nil {
		return err
	}

	logger.Info("subscription teardown complete", "subscriptionID", task.SubscriptionID,
		"snapshot", snapshotKey, "removed", removed)
	return nil
}
