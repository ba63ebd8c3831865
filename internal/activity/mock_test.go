package activity

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	temporalmocks "go.temporal.io/sdk/mocks"

	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/provider"
)

// mockDB implements core.DB for testing.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func updated(n int) pgconn.CommandTag {
	if n == 0 {
		return pgconn.NewCommandTag("UPDATE 0")
	}
	return pgconn.NewCommandTag("UPDATE 1")
}

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

// mockRows implements pgx.Rows, yielding one row per scan func.
type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	if m.callIndex < len(m.scanFuncs) {
		fn := m.scanFuncs[m.callIndex]
		m.callIndex++
		return fn(dest...)
	}
	return nil
}

func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

func strPtr(s string) *string { return &s }

// certScan yields one certificate row in the lifecycle column order.
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

// pollAdapter is a provider.Adapter with a scripted Poll result.
type pollAdapter struct {
	name    string
	pollRes *provider.PollResult
	pollErr error
}

func (a *pollAdapter) Name() string { return a.name }
func (a *pollAdapter) Issue(ctx context.Context, req provider.IssueRequest) (*provider.IssueResult, error) {
	return &provider.IssueResult{Status: model.StatusProcessing}, nil
}
func (a *pollAdapter) Poll(ctx context.Context, externalRef string) (*provider.PollResult, error) {
	return a.pollRes, a.pollErr
}
func (a *pollAdapter) Download(ctx context.Context, externalRef, format string) (*provider.CertificateMaterial, error) {
	return &provider.CertificateMaterial{Format: format}, nil
}
func (a *pollAdapter) Revoke(ctx context.Context, externalRef, reason string) error { return nil }
func (a *pollAdapter) TestConnection(ctx context.Context) (*provider.ConnectionInfo, error) {
	return &provider.ConnectionInfo{Success: true}, nil
}
func (a *pollAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{CertTypes: []string{model.CertTypeDV}}
}

func testRegistry(adapters ...provider.Adapter) *provider.Registry {
	reg := provider.NewRegistry(zerolog.Nop(), time.Minute)
	for _, a := range adapters {
		reg.Register(a, 1, 2)
	}
	return reg
}

func testLifecycle(db core.DB, reg *provider.Registry) *core.LifecycleService {
	return core.NewLifecycleService(db, &temporalmocks.Client{}, reg, make([]byte, 32), zerolog.Nop())
}
