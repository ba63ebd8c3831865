package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a configurable in-memory Adapter for registry tests.
type fakeAdapter struct {
	name       string
	caps       Capabilities
	connErr    error
	connOK     bool
	probeCount atomic.Int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) Poll(ctx context.Context, externalRef string) (*PollResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) Download(ctx context.Context, externalRef, format string) (*CertificateMaterial, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) Revoke(ctx context.Context, externalRef, reason string) error {
	return errors.New("not implemented")
}

func (f *fakeAdapter) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	f.probeCount.Add(1)
	if f.connErr != nil {
		return nil, f.connErr
	}
	return &ConnectionInfo{Success: f.connOK}, nil
}

func (f *fakeAdapter) Capabilities() Capabilities { return f.caps }

func healthyAdapter(name string, caps Capabilities) *fakeAdapter {
	return &fakeAdapter{name: name, caps: caps, connOK: true}
}

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(zerolog.Nop(), ttl)
}

func TestAvailable_SortedNames(t *testing.T) {
	r := newTestRegistry(0)
	r.Register(healthyAdapter("gogetssl", Capabilities{}), 100, 4)
	r.Register(healthyAdapter("acme", Capabilities{}), 60, 4)
	r.Register(healthyAdapter("google-cm", Capabilities{}), 80, 4)

	assert.Equal(t, []string{"acme", "gogetssl", "google-cm"}, r.Available())
}

func TestGet_UnknownProvider(t *testing.T) {
	r := newTestRegistry(0)

	_, err := r.Get("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestGet_IgnoresHealth(t *testing.T) {
	// An explicit operator choice is honored even when the provider is
	// failing its health probe.
	r := newTestRegistry(time.Hour)
	broken := &fakeAdapter{name: "acme", connErr: errors.New("directory unreachable")}
	r.Register(broken, 60, 4)

	r.HealthCheck(context.Background(), true)

	a, err := r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", a.Name())
}

func TestAcquire_BoundsConcurrency(t *testing.T) {
	r := newTestRegistry(0)
	r.Register(healthyAdapter("gogetssl", Capabilities{}), 100, 1)

	release, err := r.Acquire(context.Background(), "gogetssl")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "gogetssl")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := r.Acquire(context.Background(), "gogetssl")
	require.NoError(t, err)
	release2()
}

func TestAcquire_UnknownProvider(t *testing.T) {
	r := newTestRegistry(0)
	_, err := r.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRecommend_FiltersByCertType(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(healthyAdapter("acme", Capabilities{CertTypes: []string{"dv"}}), 60, 4)
	r.Register(healthyAdapter("gogetssl", Capabilities{CertTypes: []string{"dv", "ov", "ev"}}), 100, 4)

	name, err := r.Recommend(context.Background(), Requirements{CertType: "ev"})
	require.NoError(t, err)
	assert.Equal(t, "gogetssl", name)
}

func TestRecommend_NoCandidate(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(healthyAdapter("acme", Capabilities{CertTypes: []string{"dv"}}), 60, 4)

	_, err := r.Recommend(context.Background(), Requirements{CertType: "ev"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRecommend_SkipsUnhealthy(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(&fakeAdapter{
		name:    "gogetssl",
		caps:    Capabilities{CertTypes: []string{"dv"}},
		connErr: errors.New("api down"),
	}, 100, 4)
	r.Register(healthyAdapter("acme", Capabilities{CertTypes: []string{"dv"}}), 60, 4)

	name, err := r.Recommend(context.Background(), Requirements{CertType: "dv"})
	require.NoError(t, err)
	assert.Equal(t, "acme", name)
}

func TestRecommend_PriorityWins(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(healthyAdapter("acme", Capabilities{CertTypes: []string{"dv"}}), 60, 4)
	r.Register(healthyAdapter("gogetssl", Capabilities{CertTypes: []string{"dv"}}), 100, 4)

	name, err := r.Recommend(context.Background(), Requirements{CertType: "dv"})
	require.NoError(t, err)
	assert.Equal(t, "gogetssl", name)
}

func TestRecommend_LowCostPreferenceOvercomesPriority(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(healthyAdapter("gogetssl", Capabilities{
		CertTypes: []string{"dv"},
		Cost:      CostPaid,
	}), 61, 4)
	r.Register(healthyAdapter("acme", Capabilities{
		CertTypes:   []string{"dv"},
		Cost:        CostFree,
		AutoRenewal: true,
	}), 60, 4)

	// Priority difference of 1 gives gogetssl a 10 point head start; the
	// free-cost and auto-renewal bonuses push acme past it.
	name, err := r.Recommend(context.Background(), Requirements{
		CertType:      "dv",
		PreferLowCost: true,
		NeedAutoRenew: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", name)
}

func TestRecommend_PlatformAffinity(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(healthyAdapter("gogetssl", Capabilities{CertTypes: []string{"dv"}}), 80, 4)
	r.Register(healthyAdapter("google-cm", Capabilities{
		CertTypes:        []string{"dv"},
		PlatformAffinity: []string{"gcp"},
	}), 80, 4)

	name, err := r.Recommend(context.Background(), Requirements{CertType: "dv", Platform: "gcp"})
	require.NoError(t, err)
	assert.Equal(t, "google-cm", name)
}

func TestRecommend_TieBreaksByName(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(healthyAdapter("gogetssl", Capabilities{CertTypes: []string{"dv"}}), 80, 4)
	r.Register(healthyAdapter("acme", Capabilities{CertTypes: []string{"dv"}}), 80, 4)

	name, err := r.Recommend(context.Background(), Requirements{CertType: "dv"})
	require.NoError(t, err)
	assert.Equal(t, "acme", name)
}

func TestHealthCheck_CachesWithinTTL(t *testing.T) {
	r := newTestRegistry(time.Hour)
	a := healthyAdapter("acme", Capabilities{})
	r.Register(a, 60, 4)

	first := r.HealthCheck(context.Background(), false)
	second := r.HealthCheck(context.Background(), false)

	assert.True(t, first["acme"].Healthy)
	assert.True(t, second["acme"].Healthy)
	assert.Equal(t, int32(1), a.probeCount.Load())
}

func TestHealthCheck_ForceRefreshes(t *testing.T) {
	r := newTestRegistry(time.Hour)
	a := healthyAdapter("acme", Capabilities{})
	r.Register(a, 60, 4)

	r.HealthCheck(context.Background(), false)
	r.HealthCheck(context.Background(), true)

	assert.Equal(t, int32(2), a.probeCount.Load())
}

func TestHealthCheck_ReportsProbeError(t *testing.T) {
	r := newTestRegistry(time.Hour)
	r.Register(&fakeAdapter{name: "gogetssl", connErr: errors.New("api down")}, 100, 4)

	results := r.HealthCheck(context.Background(), true)
	require.Contains(t, results, "gogetssl")
	assert.False(t, results["gogetssl"].Healthy)
	assert.Contains(t, results["gogetssl"].Error, "api down")
}

func TestTransientErrors(t *testing.T) {
	base := errors.New("connection reset")

	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(Transientf("gateway timeout: %d", 504)))
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))

	// Wrapping keeps the original error reachable.
	assert.ErrorIs(t, Transient(base), base)
}
