package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalmocks "go.temporal.io/sdk/mocks"

	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/provider"
)

var testSecretKey = make([]byte, 32)

// stubAdapter is a minimal provider.Adapter for registry wiring in
// lifecycle tests.
type stubAdapter struct {
	name      string
	caps      provider.Capabilities
	revokeErr error
	revokes   int
}

func (a *stubAdapter) Name() string { return a.name }
func (a *stubAdapter) Issue(ctx context.Context, req provider.IssueRequest) (*provider.IssueResult, error) {
	return &provider.IssueResult{ExternalRef: "ref-" + req.CertificateID, Status: model.StatusProcessing}, nil
}
func (a *stubAdapter) Poll(ctx context.Context, externalRef string) (*provider.PollResult, error) {
	return &provider.PollResult{Status: model.StatusProcessing}, nil
}
func (a *stubAdapter) Download(ctx context.Context, externalRef, format string) (*provider.CertificateMaterial, error) {
	return &provider.CertificateMaterial{CertPEM: "cert", Format: format}, nil
}
func (a *stubAdapter) Revoke(ctx context.Context, externalRef, reason string) error {
	a.revokes++
	return a.revokeErr
}
func (a *stubAdapter) TestConnection(ctx context.Context) (*provider.ConnectionInfo, error) {
	return &provider.ConnectionInfo{Success: true}, nil
}
func (a *stubAdapter) Capabilities() provider.Capabilities { return a.caps }

func testRegistry(adapters ...provider.Adapter) *provider.Registry {
	reg := provider.NewRegistry(zerolog.Nop(), time.Minute)
	for _, a := range adapters {
		reg.Register(a, 1, 2)
	}
	return reg
}

func dvAdapter(name string) *stubAdapter {
	return &stubAdapter{
		name: name,
		caps: provider.Capabilities{
			ValidationTypes:   []string{model.ChallengeHTTP01},
			CertTypes:         []string{model.CertTypeDV},
			Cost:              provider.CostFree,
			RenewalWindowDays: 30,
		},
	}
}

func newTestLifecycle(db DB, tc *temporalmocks.Client, adapters ...provider.Adapter) *LifecycleService {
	return NewLifecycleService(db, tc, testRegistry(adapters...), testSecretKey, zerolog.Nop())
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// subScan yields one subscription row in subscriptionColumns order.
func subScan(sub model.Subscription) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = sub.ID
		*(dest[1].(*string)) = sub.CustomerID
		*(dest[2].(*string)) = sub.Name
		*(dest[3].(*string)) = sub.Status
		*(dest[4].(*int)) = sub.MaxDomains
		*(dest[5].(**string)) = sub.DefaultProvider
		*(dest[6].(*time.Time)) = sub.CreatedAt
		*(dest[7].(*time.Time)) = sub.UpdatedAt
		return nil
	}
}

// certScan yields one certificate row in certColumns order.
func certScan(c model.Certificate) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = c.ID
		*(dest[1].(*string)) = c.SubscriptionID
		*(dest[2].(*string)) = c.Domain
		*(dest[3].(*string)) = c.CertType
		*(dest[4].(*string)) = c.Provider
		*(dest[5].(**string)) = c.ExternalRef
		*(dest[6].(*string)) = c.Status
		*(dest[7].(**string)) = c.StatusMessage
		*(dest[8].(**string)) = c.LastEventRef
		*(dest[9].(**time.Time)) = c.LastEventAt
		*(dest[10].(**time.Time)) = c.IssuedAt
		*(dest[11].(**time.Time)) = c.ExpiresAt
		*(dest[12].(**string)) = c.RevokedReason
		*(dest[13].(**time.Time)) = c.RevokedAt
		*(dest[14].(**string)) = c.SuspendedFrom
		*(dest[15].(*[]byte)) = c.ProviderResponse
		*(dest[16].(*string)) = c.KeyPEMEnc
		*(dest[17].(*string)) = c.CertPEM
		*(dest[18].(*string)) = c.ChainPEM
		*(dest[19].(**string)) = c.RenewedBy
		*(dest[20].(*time.Time)) = c.CreatedAt
		*(dest[21].(*time.Time)) = c.UpdatedAt
		return nil
	}
}

func sqlContains(substr string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, substr) })
}

func countScan(n int) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*int)) = n
		return nil
	}}
}

func activeSub() model.Subscription {
	return model.Subscription{
		ID:         "sub-1",
		CustomerID: "cust-1",
		Name:       "prod",
		Status:     model.SubscriptionActive,
		MaxDomains: 3,
	}
}

// ---------- RequestIssuance ----------

func TestLifecycle_RequestIssuance_Success(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()
	db.On("QueryRow", ctx, sqlContains("count(*)"), mock.Anything).Return(countScan(0)).Once()
	db.On("QueryRow", ctx, sqlContains("count(DISTINCT"), mock.Anything).Return(countScan(0)).Once()
	db.On("Exec", ctx, sqlContains("INSERT INTO certificates"), mock.Anything).
		Return(updated(1), nil).Once()

	wfRun := &temporalmocks.WorkflowRun{}
	tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, model.IssueWorkflowName, mock.Anything).
		Return(wfRun, nil).Once()

	cert, err := svc.RequestIssuance(ctx, IssuanceRequest{
		SubscriptionID: "sub-1",
		Domain:         "Example.COM",
		CertType:       model.CertTypeDV,
		Provider:       "gogetssl",
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", cert.Domain, "domain should be normalized")
	assert.Equal(t, model.StatusRequested, cert.Status)
	assert.Equal(t, "gogetssl", cert.Provider)
	db.AssertExpectations(t)
	tc.AssertExpectations(t)
}

func TestLifecycle_RequestIssuance_DuplicateDomain(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()
	db.On("QueryRow", ctx, sqlContains("count(*)"), mock.Anything).Return(countScan(1)).Once()

	_, err := svc.RequestIssuance(ctx, IssuanceRequest{
		SubscriptionID: "sub-1",
		Domain:         "example.com",
		CertType:       model.CertTypeDV,
		Provider:       "gogetssl",
	})
	require.ErrorIs(t, err, ErrDuplicateRequest)
	tc.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLifecycle_RequestIssuance_DomainLimit(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()
	db.On("QueryRow", ctx, sqlContains("count(*)"), mock.Anything).Return(countScan(0)).Once()
	db.On("QueryRow", ctx, sqlContains("count(DISTINCT"), mock.Anything).Return(countScan(3)).Once()

	_, err := svc.RequestIssuance(ctx, IssuanceRequest{
		SubscriptionID: "sub-1",
		Domain:         "fourth.example.com",
		CertType:       model.CertTypeDV,
		Provider:       "gogetssl",
	})
	require.ErrorIs(t, err, ErrDomainLimitExceeded)
}

func TestLifecycle_RequestIssuance_InactiveSubscription(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	sub := activeSub()
	sub.Status = model.SubscriptionPastDue
	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(sub)}).Once()

	_, err := svc.RequestIssuance(ctx, IssuanceRequest{
		SubscriptionID: "sub-1",
		Domain:         "example.com",
		CertType:       model.CertTypeDV,
	})
	require.ErrorIs(t, err, ErrSubscriptionInactive)
}

func TestLifecycle_RequestIssuance_BadInput(t *testing.T) {
	svc := newTestLifecycle(&mockDB{}, &temporalmocks.Client{}, dvAdapter("gogetssl"))
	ctx := context.Background()

	_, err := svc.RequestIssuance(ctx, IssuanceRequest{SubscriptionID: "sub-1", Domain: "", CertType: "dv"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RequestIssuance(ctx, IssuanceRequest{SubscriptionID: "sub-1", Domain: "example.com", CertType: "wildcard"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLifecycle_RequestIssuance_ProviderMismatch(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()

	// gogetssl is DV-only; an EV hint must be rejected up front.
	_, err := svc.RequestIssuance(ctx, IssuanceRequest{
		SubscriptionID: "sub-1",
		Domain:         "example.com",
		CertType:       model.CertTypeEV,
		Provider:       "gogetssl",
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestLifecycle_RequestIssuance_NoProvider(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()

	_, err := svc.RequestIssuance(ctx, IssuanceRequest{
		SubscriptionID: "sub-1",
		Domain:         "example.com",
		CertType:       model.CertTypeEV,
	})
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

// ---------- ReconcileExternalStatus ----------

func reconcileCert() model.Certificate {
	now := time.Now().UTC().Add(-time.Hour)
	return model.Certificate{
		ID:             "cert-1",
		SubscriptionID: "sub-1",
		Domain:         "example.com",
		CertType:       model.CertTypeDV,
		Provider:       "gogetssl",
		ExternalRef:    strPtr("order-77"),
		Status:         model.StatusProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func expectCertLookups(db *mockDB, ctx context.Context, cert model.Certificate) {
	db.On("QueryRow", ctx, sqlContains("external_ref ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()
}

func TestLifecycle_Reconcile_AppliesTransition(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	expectCertLookups(db, ctx, reconcileCert())
	db.On("Exec", ctx, sqlContains("UPDATE certificates"), mock.Anything).
		Return(updated(1), nil).Once()

	err := svc.ReconcileExternalStatus(ctx, "gogetssl", model.ProviderEvent{
		ExternalRef: "order-77",
		NewStatus:   model.StatusIssued,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestLifecycle_Reconcile_DuplicateEventIsNoop(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := model.ProviderEvent{ExternalRef: "order-77", NewStatus: model.StatusIssued, Timestamp: ts}

	cert := reconcileCert()
	cert.Status = model.StatusIssued
	cert.IssuedAt = timePtr(ts)
	cert.LastEventRef = strPtr(ev.EventRef())
	cert.LastEventAt = timePtr(ts)
	expectCertLookups(db, ctx, cert)

	err := svc.ReconcileExternalStatus(ctx, "gogetssl", ev)
	require.NoError(t, err)
	// No Exec at all: issued_at and everything else stay untouched.
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestLifecycle_Reconcile_OutOfOrderEventDropped(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cert := reconcileCert()
	cert.LastEventRef = strPtr("order-77@processing@2026-03-01T12:00:00Z")
	cert.LastEventAt = timePtr(last)
	expectCertLookups(db, ctx, cert)

	err := svc.ReconcileExternalStatus(ctx, "gogetssl", model.ProviderEvent{
		ExternalRef: "order-77",
		NewStatus:   model.StatusFailed,
		Timestamp:   last.Add(-time.Minute),
	})
	require.NoError(t, err)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestLifecycle_Reconcile_TerminalNeverMovesBack(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	cert := reconcileCert()
	cert.Status = model.StatusRevoked
	expectCertLookups(db, ctx, cert)

	err := svc.ReconcileExternalStatus(ctx, "gogetssl", model.ProviderEvent{
		ExternalRef: "order-77",
		NewStatus:   model.StatusIssued,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestLifecycle_Reconcile_IllegalTransitionIgnored(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	cert := reconcileCert()
	cert.Status = model.StatusPendingValidation
	expectCertLookups(db, ctx, cert)

	// pending_validation cannot jump straight to issued.
	err := svc.ReconcileExternalStatus(ctx, "gogetssl", model.ProviderEvent{
		ExternalRef: "order-77",
		NewStatus:   model.StatusIssued,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

// ---------- Renew ----------

func issuedCert(expiresIn time.Duration) model.Certificate {
	cert := reconcileCert()
	cert.Status = model.StatusIssued
	cert.IssuedAt = timePtr(time.Now().UTC().Add(-24 * time.Hour))
	cert.ExpiresAt = timePtr(time.Now().UTC().Add(expiresIn))
	cert.CertPEM = "-----BEGIN CERTIFICATE-----"
	return cert
}

func TestLifecycle_Renew_InsideWindow(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(issuedCert(10 * 24 * time.Hour))}).Once()
	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()
	db.On("Exec", ctx, sqlContains("UPDATE certificates SET status"), mock.Anything).
		Return(updated(1), nil).Once()
	db.On("Exec", ctx, sqlContains("INSERT INTO certificates"), mock.Anything).
		Return(updated(1), nil).Once()

	wfRun := &temporalmocks.WorkflowRun{}
	tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, model.RenewWorkflowName, mock.Anything).
		Return(wfRun, nil).Once()

	next, err := svc.Renew(ctx, "cert-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequested, next.Status)
	assert.Equal(t, "example.com", next.Domain)
	assert.NotEqual(t, "cert-1", next.ID)
	db.AssertExpectations(t)
	tc.AssertExpectations(t)
}

func TestLifecycle_Renew_OutsideWindow(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(issuedCert(90 * 24 * time.Hour))}).Once()
	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()

	_, err := svc.Renew(ctx, "cert-1", false)
	require.ErrorIs(t, err, ErrNotEligible)
}

func TestLifecycle_Renew_ForceBypassesWindow(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(issuedCert(90 * 24 * time.Hour))}).Once()
	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()
	db.On("Exec", ctx, sqlContains("UPDATE certificates SET status"), mock.Anything).
		Return(updated(1), nil).Once()
	db.On("Exec", ctx, sqlContains("INSERT INTO certificates"), mock.Anything).
		Return(updated(1), nil).Once()
	tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, model.RenewWorkflowName, mock.Anything).
		Return(&temporalmocks.WorkflowRun{}, nil).Once()

	_, err := svc.Renew(ctx, "cert-1", true)
	require.NoError(t, err)
}

func TestLifecycle_Renew_AlreadyRenewing(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	cert := issuedCert(10 * 24 * time.Hour)
	cert.Status = model.StatusRenewalPending
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()
	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()

	_, err := svc.Renew(ctx, "cert-1", false)
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

// ---------- Revoke ----------

func TestLifecycle_Revoke_ProviderAcks(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	adapter := dvAdapter("gogetssl")
	svc := newTestLifecycle(db, tc, adapter)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(issuedCert(10 * 24 * time.Hour))}).Once()
	db.On("Exec", ctx, sqlContains("revoked_reason"), mock.Anything).
		Return(updated(1), nil).Once()

	err := svc.Revoke(ctx, "cert-1", "key compromise")
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.revokes)
	db.AssertExpectations(t)
}

func TestLifecycle_Revoke_LocalEvenWhenProviderFails(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	adapter := dvAdapter("gogetssl")
	adapter.revokeErr = errors.New("CA rejects revocation")
	svc := newTestLifecycle(db, tc, adapter)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(issuedCert(10 * 24 * time.Hour))}).Once()
	db.On("Exec", ctx, sqlContains("revoked_reason"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Contains(t, sqlArgs[1].(string), "did not acknowledge")
		}).
		Return(updated(1), nil).Once()

	err := svc.Revoke(ctx, "cert-1", "cleanup")
	require.NoError(t, err, "local revocation proceeds after provider failure")
	db.AssertExpectations(t)
}

func TestLifecycle_Revoke_AlreadyRevokedAtCA(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	adapter := dvAdapter("gogetssl")
	adapter.revokeErr = provider.ErrAlreadyRevoked
	svc := newTestLifecycle(db, tc, adapter)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(issuedCert(10 * 24 * time.Hour))}).Once()
	db.On("Exec", ctx, sqlContains("revoked_reason"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Empty(t, sqlArgs[1].(string), "CA-side already-revoked counts as an ack")
		}).
		Return(updated(1), nil).Once()

	err := svc.Revoke(ctx, "cert-1", "cleanup")
	require.NoError(t, err)
}

func TestLifecycle_Revoke_NoExternalRefSkipsProvider(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	adapter := dvAdapter("gogetssl")
	svc := newTestLifecycle(db, tc, adapter)
	ctx := context.Background()

	cert := issuedCert(10 * 24 * time.Hour)
	cert.ExternalRef = nil
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()
	db.On("Exec", ctx, sqlContains("revoked_reason"), mock.Anything).
		Return(updated(1), nil).Once()

	err := svc.Revoke(ctx, "cert-1", "cleanup")
	require.NoError(t, err)
	assert.Zero(t, adapter.revokes, "nothing was ever ordered at the CA")
	db.AssertExpectations(t)
}

func TestLifecycle_Revoke_SuspendedIssuedCert(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	adapter := dvAdapter("gogetssl")
	svc := newTestLifecycle(db, tc, adapter)
	ctx := context.Background()

	cert := issuedCert(10 * 24 * time.Hour)
	cert.Status = model.StatusSuspended
	cert.SuspendedFrom = strPtr(model.StatusIssued)
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()
	db.On("Exec", ctx, sqlContains("revoked_reason"), mock.Anything).
		Return(updated(1), nil).Once()

	err := svc.Revoke(ctx, "cert-1", "subscription cancelled")
	require.NoError(t, err, "material suspended while issued is still live at the CA")
	assert.Equal(t, 1, adapter.revokes)
	db.AssertExpectations(t)
}

func TestLifecycle_Revoke_SuspendedInFlightNotEligible(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	adapter := dvAdapter("gogetssl")
	svc := newTestLifecycle(db, tc, adapter)
	ctx := context.Background()

	cert := reconcileCert()
	cert.Status = model.StatusSuspended
	cert.SuspendedFrom = strPtr(model.StatusRequested)
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()

	err := svc.Revoke(ctx, "cert-1", "subscription cancelled")
	require.ErrorIs(t, err, ErrNotEligible)
	assert.Zero(t, adapter.revokes)
}

func TestLifecycle_Revoke_NotEligible(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	cert := reconcileCert()
	cert.Status = model.StatusFailed
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()

	err := svc.Revoke(ctx, "cert-1", "cleanup")
	require.ErrorIs(t, err, ErrNotEligible)
}

// ---------- Renewal completion ----------

func TestLifecycle_CompleteRenewal_GuardsOldStatus(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("renewed_by"), mock.Anything).
		Return(updated(0), nil).Once()

	err := svc.CompleteRenewal(ctx, "cert-old", "cert-new")
	require.ErrorIs(t, err, ErrNotEligible)
}

func TestLifecycle_CompleteRenewal_Supersedes(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("renewed_by"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, model.StatusSuperseded, sqlArgs[0])
			assert.Equal(t, "cert-new", sqlArgs[1])
			assert.Equal(t, model.StatusRenewalPending, sqlArgs[3])
		}).
		Return(updated(1), nil).Once()

	require.NoError(t, svc.CompleteRenewal(ctx, "cert-old", "cert-new"))
	db.AssertExpectations(t)
}

// ---------- StoreIssued / MarkFailed ----------

func TestLifecycle_StoreIssued_RequiresProcessing(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc, dvAdapter("gogetssl"))
	ctx := context.Background()

	cert := reconcileCert()
	cert.Status = model.StatusFailed
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()
	db.On("Exec", ctx, sqlContains("cert_pem"), mock.Anything).
		Return(updated(0), nil).Once()

	err := svc.StoreIssued(ctx, "cert-1", IssuedMaterial{
		CertPEM:   "pem",
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(90 * 24 * time.Hour),
	})
	require.ErrorIs(t, err, ErrNotEligible)
}

// ---------- Download ----------

func TestLifecycle_Download_NoMaterial(t *testing.T) {
	db := &mockDB{}
	tc := &temporalmocks.Client{}
	svc := newTestLifecycle(db, tc)
	ctx := context.Background()

	cert := reconcileCert()
	db.On("QueryRow", ctx, sqlContains("WHERE id ="), mock.Anything).
		Return(&mockRow{scanFunc: certScan(cert)}).Once()

	_, err := svc.Download(ctx, "cert-1", false)
	require.ErrorIs(t, err, ErrNotEligible)
}
