package certs_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/ca/localca"
	"github.com/sufield/didmesh/pkg/certs"
	"github.com/sufield/didmesh/pkg/did"
)

const day = 24 * time.Hour

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingIssuer wraps an issuer, counts calls and can be switched into
// failure mode.
type countingIssuer struct {
	ca.Issuer
	issued   atomic.Int32
	verified atomic.Int32
	fail     atomic.Bool
}

func (c *countingIssuer) IssueCertificate(ctx context.Context, subject string, pub []byte) (*ca.IssueResponse, error) {
	c.issued.Add(1)
	if c.fail.Load() {
		return nil, &ca.Error{Op: ca.OpIssue, StatusCode: 503, Body: "maintenance"}
	}
	return c.Issuer.IssueCertificate(ctx, subject, pub)
}

func (c *countingIssuer) VerifyCertificate(ctx context.Context, certPEM []byte) (*ca.VerifyResponse, error) {
	c.verified.Add(1)
	if c.fail.Load() {
		return nil, &ca.Error{Op: ca.OpVerify, StatusCode: 503, Body: "maintenance"}
	}
	return c.Issuer.VerifyCertificate(ctx, certPEM)
}

type fixture struct {
	clock     *fakeClock
	authority *localca.Authority
	issuer    *countingIssuer
	identity  *did.Identity
	lifecycle *certs.Lifecycle
}

func newFixture(t *testing.T, validity time.Duration) *fixture {
	t.Helper()
	clock := newFakeClock()
	authority, err := localca.New(localca.WithClock(clock.Now), localca.WithValidity(validity))
	require.NoError(t, err)
	f := &fixture{
		clock:     clock,
		authority: authority,
		issuer:    &countingIssuer{Issuer: authority},
		identity:  newIdentity(t),
	}
	f.lifecycle = f.newLifecycle(t, f.identity, t.TempDir())
	return f
}

func (f *fixture) newLifecycle(t *testing.T, id *did.Identity, dir string) *certs.Lifecycle {
	t.Helper()
	l, err := certs.NewLifecycle(id, f.issuer, certs.NewPaths(dir), certs.WithClock(f.clock.Now))
	require.NoError(t, err)
	require.NoError(t, l.EnsureRootCertificate(context.Background()))
	return l
}

func newIdentity(t *testing.T) *did.Identity {
	t.Helper()
	id, err := did.NewManager().GetOrCreate(filepath.Join(t.TempDir(), "agent.json"))
	require.NoError(t, err)
	return id
}
