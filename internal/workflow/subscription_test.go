package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/edvin/certflow/internal/activity"
	"github.com/edvin/certflow/internal/model"
)

type CancelSubscriptionWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *CancelSubscriptionWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	registerActivities(s.env)
}

func (s *CancelSubscriptionWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func (s *CancelSubscriptionWorkflowTestSuite) TestFullTeardown() {
	subID := "sub-1"

	s.env.OnActivity("ListTeardownTargets", mock.Anything, subID).Return(&activity.TeardownTargets{
		Revoke:    []string{"cert-a"},
		Terminate: []string{"cert-b"},
	}, nil)
	s.env.OnActivity("RevokeCertificate", mock.Anything, activity.RevokeCertificateParams{
		CertificateID: "cert-a",
		Reason:        "subscription cancelled",
	}).Return(nil)
	s.env.OnActivity("TerminateCertificate", mock.Anything, "cert-b").Return(nil)
	s.env.OnActivity("SnapshotSubscription", mock.Anything, subID).
		Return("subscriptions/sub-1/snapshot.json", nil)
	s.env.OnActivity("RemoveCertificates", mock.Anything, subID).Return(2, nil)

	s.env.ExecuteWorkflow(CancelSubscriptionWorkflow, model.CancelSubscriptionTask{SubscriptionID: subID})
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *CancelSubscriptionWorkflowTestSuite) TestRevokeFailureDoesNotStopTeardown() {
	subID := "sub-2"

	s.env.OnActivity("ListTeardownTargets", mock.Anything, subID).Return(&activity.TeardownTargets{
		Revoke: []string{"cert-a", "cert-b"},
	}, nil)
	s.env.OnActivity("RevokeCertificate", mock.Anything, activity.RevokeCertificateParams{
		CertificateID: "cert-a",
		Reason:        "subscription cancelled",
	}).Return(fmt.Errorf("db error"))
	s.env.OnActivity("RevokeCertificate", mock.Anything, activity.RevokeCertificateParams{
		CertificateID: "cert-b",
		Reason:        "subscription cancelled",
	}).Return(nil)
	s.env.OnActivity("SnapshotSubscription", mock.Anything, subID).
		Return("subscriptions/sub-2/snapshot.json", nil)
	s.env.OnActivity("RemoveCertificates", mock.Anything, subID).Return(2, nil)

	s.env.ExecuteWorkflow(CancelSubscriptionWorkflow, model.CancelSubscriptionTask{SubscriptionID: subID})
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *CancelSubscriptionWorkflowTestSuite) TestSnapshotFailureFailsWorkflow() {
	subID := "sub-3"

	s.env.OnActivity("ListTeardownTargets", mock.Anything, subID).Return(&activity.TeardownTargets{}, nil)
	s.env.OnActivity("SnapshotSubscription", mock.Anything, subID).
		Return("", fmt.Errorf("bucket unavailable"))

	s.env.ExecuteWorkflow(CancelSubscriptionWorkflow, model.CancelSubscriptionTask{SubscriptionID: subID})
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
	s.env.AssertNotCalled(s.T(), "RemoveCertificates", mock.Anything, mock.Anything)
}

func TestCancelSubscriptionWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(CancelSubscriptionWorkflowTestSuite))
}
