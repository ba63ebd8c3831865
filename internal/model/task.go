package model

// Workflow and signal names shared between the services that start
// workflows and the worker that registers them.
const (
	IssueWorkflowName              = "IssueCertificateWorkflow"
	RenewWorkflowName              = "RenewCertificateWorkflow"
	CancelSubscriptionWorkflowName = "CancelSubscriptionWorkflow"
	RenewalScanWorkflowName        = "RenewCertificatesWorkflow"

	// ChallengePublishedSignal tells an in-flight issuance workflow that
	// the caller has published the domain-control proof for a challenge.
	ChallengePublishedSignal = "challenge-published"
)

// IssueTask is the argument to IssueCertificateWorkflow.
type IssueTask struct {
	CertificateID string `json:"certificate_id"`
}

// RenewTask is the argument to RenewCertificateWorkflow. The old
// certificate stays serving until the new one is issued.
type RenewTask struct {
	OldCertificateID string `json:"old_certificate_id"`
	NewCertificateID string `json:"new_certificate_id"`
}

// CancelSubscriptionTask is the argument to CancelSubscriptionWorkflow.
type CancelSubscriptionTask struct {
	SubscriptionID string `json:"subscription_id"`
}
