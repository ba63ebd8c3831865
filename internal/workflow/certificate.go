package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/certflow/internal/activity"
	"github.com/edvin/certflow/internal/model"
)

const (
	// validationDeadline bounds how long an issuance waits for the
	// domain owner to publish the challenge proofs.
	validationDeadline = 72 * time.Hour

	// pollInterval is the pause between provider status polls.
	pollInterval = 30 * time.Second

	// pollDeadline bounds how long an order may sit in processing
	// before the issuance is failed.
	pollDeadline = 24 * time.Hour
)

func certActivityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    5,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
}

// IssueCertificateWorkflow drives one certificate from requested to
// issued: generate key material, submit the order, wait for the domain
// owner's challenge proofs when the CA demands them, then poll until
// the CA settles the order.
func IssueCertificateWorkflow(ctx workflow.Context, task model.IssueTask) error {
	ctx = certActivityOptions(ctx)
	if err := issueCertificate(ctx, task.CertificateID); err != nil {
		return err
	}
	return nil
}

// issueCertificate runs the issuance steps for one certificate. It is
// shared between the issue and renew workflows. Any failure marks the
// certificate failed before the error is returned.
func issueCertificate(ctx workflow.Context, certID string) error {
	logger := workflow.GetLogger(ctx)

	var csr []byte
	err := workflow.ExecuteActivity(ctx, "PrepareKeyMaterial", certID).Get(ctx, &csr)
	if err != nil {
		_ = failCertificate(ctx, certID, err)
		return err
	}

	var started activity.StartIssuanceResult
	err = workflow.ExecuteActivity(ctx, "StartIssuance", activity.StartIssuanceParams{
		CertificateID: certID,
		CSR:           csr,
	}).Get(ctx, &started)
	if err != nil {
		_ = failCertificate(ctx, certID, err)
		return err
	}

	if started.Status == model.StatusPendingValidation {
		logger.Info("waiting for challenge proofs", "certID", certID, "challenges", started.Challenges)
		if err := awaitChallengeProofs(ctx, certID); err != nil {
			_ = failCertificate(ctx, certID, err)
			return err
		}
	}

	deadline := workflow.Now(ctx).Add(pollDeadline)
	for {
		var outcome activity.PollOutcome
		err = workflow.ExecuteActivity(ctx, "PollIssuance", certID).Get(ctx, &outcome)
		if err != nil {
			_ = failCertificate(ctx, certID, err)
			return err
		}
		if outcome.Failed {
			return fmt.Errorf("provider rejected issuance: %s", outcome.Detail)
		}
		if outcome.Ready {
			break
		}
		if workflow.Now(ctx).After(deadline) {
			timeoutErr := fmt.Errorf("order still %s after %s", outcome.Status, pollDeadline)
			_ = failCertificate(ctx, certID, timeoutErr)
			return timeoutErr
		}
		if err := workflow.Sleep(ctx, pollInterval); err != nil {
			return err
		}
	}

	err = workflow.ExecuteActivity(ctx, "FetchIssued", certID).Get(ctx, nil)
	if err != nil {
		_ = failCertificate(ctx, certID, err)
		return err
	}
	return nil
}

// awaitChallengeProofs blocks until the challenge-published signal
// arrives, then tells the CA to verify. Late signals for additional
// challenges re-trigger verification; the wait ends once the first
// proof is in so the poll loop can observe the CA's progress.
func awaitChallengeProofs(ctx workflow.Context, certID string) error {
	signals := workflow.GetSignalChannel(ctx, model.ChallengePublishedSignal)

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	timer := workflow.NewTimer(timerCtx, validationDeadline)

	var timedOut bool
	var token string
	selector := workflow.NewSelector(ctx)
	selector.AddReceive(signals, func(ch workflow.ReceiveChannel, _ bool) {
		ch.Receive(ctx, &token)
	})
	selector.AddFuture(timer, func(workflow.Future) {
		timedOut = true
	})
	selector.Select(ctx)
	cancelTimer()

	if timedOut {
		return fmt.Errorf("no challenge proof published within %s", validationDeadline)
	}

	// Drain proofs that raced in while we were selecting.
	for {
		var extra string
		if !signals.ReceiveAsync(&extra) {
			break
		}
	}

	return workflow.ExecuteActivity(ctx, "NotifyChallenges", certID).Get(ctx, nil)
}

// RenewCertificateWorkflow issues the replacement certificate, then
// supersedes the old one. The old certificate keeps serving until the
// replacement is issued; a failed attempt returns it to service.
func RenewCertificateWorkflow(ctx workflow.Context, task model.RenewTask) error {
	ctx = certActivityOptions(ctx)
	logger := workflow.GetLogger(ctx)

	if err := issueCertificate(ctx, task.NewCertificateID); err != nil {
		logger.Error("renewal issuance failed, restoring old certificate",
			"oldCertID", task.OldCertificateID, "newCertID", task.NewCertificateID, "error", err)
		if abortErr := workflow.ExecuteActivity(ctx, "AbortRenewal", task.OldCertificateID).Get(ctx, nil); abortErr != nil {
			logger.Error("failed to restore old certificate after renewal failure",
				"oldCertID", task.OldCertificateID, "error", abortErr)
		}
		return err
	}

	return workflow.ExecuteActivity(ctx, "CompleteRenewal", activity.RenewalPair{
		OldCertificateID: task.OldCertificateID,
		NewCertificateID: task.NewCertificateID,
	}).Get(ctx, nil)
}

func failCertificate(ctx workflow.Context, certID string, err error) error {
	return workflow.ExecuteActivity(ctx, "FailCertificate", activity.FailCertificateParams{
		CertificateID: certID,
		Message:       err.Error(),
	}).Get(ctx, nil)
}
