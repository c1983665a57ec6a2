package didmesh_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/didmesh"
	"github.com/sufield/didmesh/internal/config"
	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/ca/localca"
	"github.com/sufield/didmesh/pkg/certs"
	"github.com/sufield/didmesh/pkg/didhttp"
	"github.com/sufield/didmesh/pkg/identitytls"
	"github.com/sufield/didmesh/pkg/trustgate"
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

// countingIssuer counts issuances and can simulate a CA outage. verifyDown
// and verifyRejects affect only certificate verification.
type countingIssuer struct {
	ca.Issuer
	issued        atomic.Int32
	down          atomic.Bool
	verifyDown    atomic.Bool
	verifyRejects atomic.Bool
}

func (i *countingIssuer) VerifyCertificate(ctx context.Context, certPEM []byte) (*ca.VerifyResponse, error) {
	switch {
	case i.down.Load() || i.verifyDown.Load():
		return nil, &ca.Error{Op: ca.OpVerify, Err: ca.ErrUnavailable}
	case i.verifyRejects.Load():
		return nil, &ca.Error{Op: ca.OpVerify, StatusCode: http.StatusForbidden, Body: "revoked"}
	}
	return i.Issuer.VerifyCertificate(ctx, certPEM)
}

func (i *countingIssuer) FetchRootCertificate(ctx context.Context) ([]byte, error) {
	if i.down.Load() {
		return nil, &ca.Error{Op: ca.OpFetchRoot, Err: ca.ErrUnavailable}
	}
	return i.Issuer.FetchRootCertificate(ctx)
}

func (i *countingIssuer) IssueCertificate(ctx context.Context, subject string, pub []byte) (*ca.IssueResponse, error) {
	if i.down.Load() {
		return nil, &ca.Error{Op: ca.OpIssue, Err: ca.ErrUnavailable}
	}
	i.issued.Add(1)
	return i.Issuer.IssueCertificate(ctx, subject, pub)
}

type mesh struct {
	clock  *clock
	issuer *countingIssuer
}

// newMesh starts the clock at the real time: TLS handshakes check
// certificate validity against the wall clock.
func newMesh(t *testing.T) *mesh {
	t.Helper()
	c := &clock{t: time.Now()}
	authority, err := localca.New(localca.WithClock(c.Now), localca.WithValidity(30*day))
	require.NoError(t, err)
	return &mesh{clock: c, issuer: &countingIssuer{Issuer: authority}}
}

func agentConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Identity.KeyPath = filepath.Join(dir, "identity.json")
	cfg.CA.URL = "http://ca.invalid"
	cfg.Certificates.Dir = filepath.Join(dir, "certs")
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func (m *mesh) agent(t *testing.T, cfg *config.Config) *didmesh.Agent {
	t.Helper()
	a, err := didmesh.NewAgent(context.Background(), cfg,
		didmesh.WithIssuer(m.issuer),
		didmesh.WithClock(m.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

// serve runs a with app on a loopback listener and returns its base URL.
func serve(t *testing.T, a *didmesh.Agent, app http.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeListener(ctx, ln, app) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return "https://" + ln.Addr().String()
}

func whoami() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerDID, _ := trustgate.DIDFromContext(r.Context())
		peer, _ := identitytls.PeerFromContext(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]string{"did": peerDID, "cert_did": peer.DID})
	})
}

func get(t *testing.T, pc *didhttp.PeerClient, url string) (int, map[string]string) {
	t.Helper()
	req, err := pc.NewRequest(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := pc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(data, &body)
	return resp.StatusCode, body
}

func TestNewAgentBootstrap(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)
	a := m.agent(t, cfg)

	assert.True(t, strings.HasPrefix(a.DID(), "did:key:z"))
	for _, name := range []string{certs.CertFileName, certs.KeyFileName, certs.RootFileName} {
		assert.FileExists(t, filepath.Join(cfg.Certificates.Dir, name))
	}
	assert.FileExists(t, cfg.Identity.KeyPath)

	rec, err := a.Lifecycle().Current()
	require.NoError(t, err)
	assert.Equal(t, a.DID(), rec.SubjectDID)
	assert.False(t, a.Lifecycle().ShouldRenew())
	assert.Equal(t, int32(1), m.issuer.issued.Load())

	cert, err := a.ServerTLSConfig().GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, certs.Fingerprint(cert.Leaf.Raw))
	assert.NotNil(t, a.Metrics())
}

func TestNewAgentReusesCertificate(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)

	first, err := didmesh.NewAgent(context.Background(), cfg, didmesh.WithIssuer(m.issuer), didmesh.WithClock(m.clock.Now))
	require.NoError(t, err)
	rec1, err := first.Lifecycle().Current()
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second := m.agent(t, cfg)
	rec2, err := second.Lifecycle().Current()
	require.NoError(t, err)

	assert.Equal(t, first.DID(), second.DID())
	assert.Equal(t, rec1.Fingerprint, rec2.Fingerprint)
	assert.Equal(t, int32(1), m.issuer.issued.Load())
}

func TestNewAgentRenewsInsideWindowAtStartup(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)
	first := m.agent(t, cfg)
	rec1, err := first.Lifecycle().Current()
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	m.clock.Advance(23 * day)
	second := m.agent(t, cfg)
	rec2, err := second.Lifecycle().Current()
	require.NoError(t, err)
	assert.NotEqual(t, rec1.Fingerprint, rec2.Fingerprint)
	assert.Equal(t, int32(2), m.issuer.issued.Load())

	// A failed early renewal keeps the still-valid certificate.
	require.NoError(t, second.Close(context.Background()))
	m.clock.Advance(23 * day)
	m.issuer.down.Store(true)
	third := m.agent(t, cfg)
	rec3, err := third.Lifecycle().Current()
	require.NoError(t, err)
	assert.Equal(t, rec2.Fingerprint, rec3.Fingerprint)
}

func TestNewAgentFailsWithoutCA(t *testing.T) {
	m := newMesh(t)
	m.issuer.down.Store(true)

	_, err := didmesh.NewAgent(context.Background(), agentConfig(t), didmesh.WithIssuer(m.issuer))
	require.Error(t, err)
	assert.True(t, ca.IsUnavailable(err))
	assert.Contains(t, err.Error(), "ensure CA root")
}

func TestNewAgentRestartsDuringCAOutage(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)
	first := m.agent(t, cfg)
	rec1, err := first.Lifecycle().Current()
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	m.issuer.down.Store(true)
	second := m.agent(t, cfg)
	rec2, err := second.Lifecycle().Current()
	require.NoError(t, err)
	assert.Equal(t, rec1.Fingerprint, rec2.Fingerprint)

	cert, err := second.ServerTLSConfig().GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, rec1.Fingerprint, certs.Fingerprint(cert.Leaf.Raw))
}

func TestNewAgentVerifyFailures(t *testing.T) {
	t.Run("outage on first boot", func(t *testing.T) {
		m := newMesh(t)
		m.issuer.verifyDown.Store(true)
		_, err := didmesh.NewAgent(context.Background(), agentConfig(t),
			didmesh.WithIssuer(m.issuer), didmesh.WithClock(m.clock.Now))
		require.Error(t, err)
		assert.True(t, ca.IsUnavailable(err))
		assert.Contains(t, err.Error(), "verify own certificate")
	})

	t.Run("rejected on restart", func(t *testing.T) {
		m := newMesh(t)
		cfg := agentConfig(t)
		first := m.agent(t, cfg)
		require.NoError(t, first.Close(context.Background()))

		m.issuer.verifyRejects.Store(true)
		_, err := didmesh.NewAgent(context.Background(), cfg,
			didmesh.WithIssuer(m.issuer), didmesh.WithClock(m.clock.Now))
		require.Error(t, err)
		assert.ErrorIs(t, err, ca.ErrRejected)
		assert.ErrorIs(t, err, certs.ErrCertificateVerification)
		assert.Contains(t, err.Error(), "verify own certificate")
	})
}

func TestAgentStopsPresentingExpiredCertificate(t *testing.T) {
	m := newMesh(t)
	a := m.agent(t, agentConfig(t))
	_, err := a.ServerTLSConfig().GetCertificate(nil)
	require.NoError(t, err)

	m.clock.Advance(31 * day)
	_, err = a.Lifecycle().TLSCertificate()
	require.ErrorIs(t, err, certs.ErrCertificateExpired)
	_, err = a.ServerTLSConfig().GetCertificate(nil)
	require.ErrorIs(t, err, certs.ErrCertificateExpired)
	_, err = a.ClientTLSConfig().GetClientCertificate(nil)
	require.ErrorIs(t, err, certs.ErrCertificateExpired)
}

func TestNewAgentRejectsBadPinnedPeer(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)
	cfg.TLS.PinnedPeers = []string{filepath.Join(t.TempDir(), "missing.pem")}

	_, err := didmesh.NewAgent(context.Background(), cfg, didmesh.WithIssuer(m.issuer), didmesh.WithClock(m.clock.Now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build TLS contexts")
}

func TestAgentsAuthenticateOverMTLS(t *testing.T) {
	m := newMesh(t)
	alice := m.agent(t, agentConfig(t))
	bob := m.agent(t, agentConfig(t))
	bobURL := serve(t, bob, whoami())

	pc := alice.PeerClient()

	status, _ := get(t, pc, bobURL+"/whoami")
	assert.Equal(t, http.StatusUnauthorized, status, "not yet verified")

	session, err := pc.Authenticate(context.Background(), bobURL)
	require.NoError(t, err)
	assert.Equal(t, bob.DID(), session.PeerDID)
	assert.True(t, bob.Authenticator().IsVerified(alice.DID()))

	status, body := get(t, pc, bobURL+"/whoami")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, alice.DID(), body["did"])
	assert.Equal(t, alice.DID(), body["cert_did"])

	rec, err := alice.Lifecycle().Current()
	require.NoError(t, err)
	ok, err := pc.VerifyConnection(context.Background(), bobURL, rec.CertPEM)
	require.NoError(t, err)
	assert.True(t, ok)

	m.clock.Advance(day + time.Second)
	status, _ = get(t, pc, bobURL+"/whoami")
	assert.Equal(t, http.StatusUnauthorized, status, "verification expired")
}

func TestAgentRejectsClientWithoutCertificate(t *testing.T) {
	m := newMesh(t)
	bob := m.agent(t, agentConfig(t))
	bobURL := serve(t, bob, whoami())

	// Trusts the CA but presents no certificate.
	cfg := bob.ClientTLSConfig()
	cfg.GetClientCertificate = nil
	plain := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}, Timeout: 10 * time.Second}
	_, err := plain.Get(bobURL + didhttp.PathHealthz)
	require.Error(t, err)
}

func TestAgentOptionalClientCertificate(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)
	cfg.TLS.MTLSRequired = false
	bob := m.agent(t, cfg)
	bobURL := serve(t, bob, whoami())

	tlsCfg := bob.ClientTLSConfig()
	tlsCfg.GetClientCertificate = nil
	plain := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}, Timeout: 10 * time.Second}
	resp, err := plain.Get(bobURL + didhttp.PathHealthz)
	require.NoError(t, err)
	defer resp.Body.Close()
	var health didhttp.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, bob.DID(), health.DID)
}

func TestAgentMetricsEndpoint(t *testing.T) {
	m := newMesh(t)
	alice := m.agent(t, agentConfig(t))
	bob := m.agent(t, agentConfig(t))
	bobURL := serve(t, bob, whoami())

	pc := alice.PeerClient()
	status, _ := get(t, pc, bobURL+"/anything")
	require.Equal(t, http.StatusUnauthorized, status)

	resp, err := alice.HTTPClient().Get(bobURL + didhttp.PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `didmesh_trust_gate_decisions_total{result="denied"} 1`)
	assert.Contains(t, string(data), "didmesh_certificate_not_after_seconds")
}

func TestRenewNowReloadsTLSMaterial(t *testing.T) {
	m := newMesh(t)
	a := m.agent(t, agentConfig(t))
	old, err := a.Lifecycle().Current()
	require.NoError(t, err)

	renewed, err := a.RenewNow(context.Background())
	require.NoError(t, err)
	assert.False(t, renewed)

	m.clock.Advance(23 * day)
	renewed, err = a.RenewNow(context.Background())
	require.NoError(t, err)
	require.True(t, renewed)

	cur, err := a.Lifecycle().Current()
	require.NoError(t, err)
	assert.NotEqual(t, old.Fingerprint, cur.Fingerprint)
	assert.True(t, m.clock.Now().Add(30*day).Truncate(time.Second).Equal(cur.NotAfter))

	cert, err := a.ServerTLSConfig().GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, cur.Fingerprint, certs.Fingerprint(cert.Leaf.Raw))
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newMesh(t)
	a := m.agent(t, agentConfig(t))
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = a.ServeListener(context.Background(), ln, nil)
	assert.True(t, errors.Is(err, didmesh.ErrClosed))
}

func TestTokenCachePersistsAcrossRestarts(t *testing.T) {
	m := newMesh(t)
	cfg := agentConfig(t)
	cfg.Tokens.CacheFile = filepath.Join(t.TempDir(), "tokens.json")

	first, err := didmesh.NewAgent(context.Background(), cfg, didmesh.WithIssuer(m.issuer), didmesh.WithClock(m.clock.Now))
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))
	assert.FileExists(t, cfg.Tokens.CacheFile)

	second := m.agent(t, cfg)
	res, err := second.Verifier().Verify(context.Background(), second.Lifecycle().Paths().Cert)
	require.NoError(t, err)
	assert.True(t, res.Cached)
}
