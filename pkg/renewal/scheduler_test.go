package renewal_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/didmesh/internal/metrics"
	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/ca/localca"
	"github.com/sufield/didmesh/pkg/certs"
	"github.com/sufield/didmesh/pkg/did"
	"github.com/sufield/didmesh/pkg/renewal"
	"github.com/sufield/didmesh/pkg/tokenstore"
)

const day = 24 * time.Hour

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// issuer wraps the local CA. It can fail every issuance or block until
// released.
type issuer struct {
	ca.Issuer
	calls   atomic.Int32
	fail    atomic.Bool
	block   chan struct{}
	entered chan struct{}
}

func (i *issuer) IssueCertificate(ctx context.Context, subject string, pub []byte) (*ca.IssueResponse, error) {
	i.calls.Add(1)
	if i.entered != nil {
		select {
		case i.entered <- struct{}{}:
		default:
		}
	}
	if i.block != nil {
		select {
		case <-i.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i.fail.Load() {
		return nil, &ca.Error{Op: ca.OpIssue, StatusCode: 502}
	}
	return i.Issuer.IssueCertificate(ctx, subject, pub)
}

type env struct {
	clock     *clock
	issuer    *issuer
	lifecycle *certs.Lifecycle
	verifier  *certs.Verifier
	tokens    *tokenstore.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &clock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	authority, err := localca.New(localca.WithClock(c.Now), localca.WithValidity(30*day))
	require.NoError(t, err)
	iss := &issuer{Issuer: authority}

	id, err := did.NewManager().GetOrCreate(filepath.Join(t.TempDir(), "agent.json"))
	require.NoError(t, err)
	l, err := certs.NewLifecycle(id, iss, certs.NewPaths(t.TempDir()), certs.WithClock(c.Now))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, l.EnsureRootCertificate(ctx))
	_, err = l.RequestCertificate(ctx)
	require.NoError(t, err)
	iss.calls.Store(0)

	tokens := tokenstore.New(tokenstore.WithClock(c.Now))
	v, err := certs.NewVerifier(iss, tokens, certs.WithClock(c.Now))
	require.NoError(t, err)
	return &env{clock: c, issuer: iss, lifecycle: l, verifier: v, tokens: tokens}
}

func TestRunOnce(t *testing.T) {
	e := newEnv(t)
	m := metrics.New()
	var renewed []*certs.Record
	s := renewal.New(e.lifecycle, e.verifier,
		renewal.WithMetrics(m),
		renewal.WithOnRenewed(func(r *certs.Record) { renewed = append(renewed, r) }))
	ctx := context.Background()

	old, err := e.lifecycle.Current()
	require.NoError(t, err)

	ok, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "day 0: nothing to do")
	assert.Zero(t, e.issuer.calls.Load())

	e.clock.Advance(23 * day)
	ok, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "day 23: inside the renewal window")
	assert.Equal(t, int32(1), e.issuer.calls.Load())

	cur, err := e.lifecycle.Current()
	require.NoError(t, err)
	assert.NotEqual(t, old.Fingerprint, cur.Fingerprint)
	assert.Equal(t, e.clock.Now().Add(30*day), cur.NotAfter.UTC())
	require.Len(t, renewed, 1)
	assert.Equal(t, cur.Fingerprint, renewed[0].Fingerprint)

	// The new certificate was verified and its token cached.
	_, ok = e.tokens.Lookup(cur.Fingerprint)
	assert.True(t, ok)

	ok, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "window reset by renewal")

	assert.Equal(t, 2.0, renewalCycles(t, m, metrics.ResultSkipped))
	assert.Equal(t, 1.0, renewalCycles(t, m, metrics.ResultSuccess))
}

func renewalCycles(t *testing.T, m *metrics.Metrics, result string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "didmesh_renewal_cycles_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRunOnceFailureKeepsCertificate(t *testing.T) {
	e := newEnv(t)
	s := renewal.New(e.lifecycle, e.verifier)
	old, err := e.lifecycle.Current()
	require.NoError(t, err)

	e.clock.Advance(25 * day)
	e.issuer.fail.Store(true)
	ok, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, certs.ErrCertificateRequest)
	assert.True(t, ca.IsUnavailable(err))
	assert.False(t, ok)

	cur, err := e.lifecycle.Current()
	require.NoError(t, err)
	assert.Equal(t, old.Fingerprint, cur.Fingerprint)
}

func TestLoopSurvivesFailures(t *testing.T) {
	e := newEnv(t)
	e.clock.Advance(25 * day)
	e.issuer.fail.Store(true)

	s := renewal.New(e.lifecycle, e.verifier, renewal.WithInterval(5*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), renewal.ErrRunning)

	require.Eventually(t, func() bool { return e.issuer.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	// Once the CA recovers the next tick renews.
	e.issuer.fail.Store(false)
	require.Eventually(t, func() bool { return !e.lifecycle.ShouldRenew() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	calls := e.issuer.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, e.issuer.calls.Load(), "no cycles after Stop")
	require.NoError(t, s.Stop(context.Background()), "second Stop is a no-op")
}

func TestStopAwaitsInFlightCycle(t *testing.T) {
	e := newEnv(t)
	e.clock.Advance(25 * day)
	e.issuer.block = make(chan struct{})
	e.issuer.entered = make(chan struct{}, 1)

	s := renewal.New(e.lifecycle, e.verifier, renewal.WithInterval(time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	select {
	case <-e.issuer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal cycle never started")
	}

	// Stop cancels the cycle context; the blocked CA call returns and the
	// loop exits before Stop does.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	old, err := e.lifecycle.Current()
	require.NoError(t, err)
	assert.True(t, e.lifecycle.ShouldRenew())
	assert.NotEmpty(t, old.Fingerprint)
}

func TestCycleTimeout(t *testing.T) {
	e := newEnv(t)
	e.clock.Advance(25 * day)
	e.issuer.block = make(chan struct{})

	s := renewal.New(e.lifecycle, e.verifier, renewal.WithCycleTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
