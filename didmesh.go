// Package didmesh assembles a DID-authenticated agent: identity, CA-issued
// certificate, mTLS contexts, renewal and the peer challenge protocol.
//
// NewAgent performs the bootstrap in a fixed order:
//
//	ensureCA → ensureOwnCertificate → verifyOwnCertificate → buildContexts → startRenewalLoop
//
// Any failure before the renewal loop starts is fatal and returned. After
// that the agent serves:
//
//	agent, err := didmesh.NewAgent(ctx, cfg, didmesh.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer agent.Close(context.Background())
//
//	app := chi.NewRouter()
//	app.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
//	    peerDID, _ := trustgate.DIDFromContext(r.Context())
//	    ...
//	})
//	return agent.Serve(ctx, app)
package didmesh

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/bg"
	"github.com/sufield/didmesh/internal/config"
	"github.com/sufield/didmesh/internal/metrics"
	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/certs"
	"github.com/sufield/didmesh/pkg/challenge"
	"github.com/sufield/didmesh/pkg/did"
	"github.com/sufield/didmesh/pkg/identitytls"
	"github.com/sufield/didmesh/pkg/renewal"
	"github.com/sufield/didmesh/pkg/tokenstore"
	"github.com/sufield/didmesh/pkg/trustgate"
)

// ErrClosed is returned by Serve on an agent that has been closed.
var ErrClosed = errors.New("didmesh: agent closed")

const minSweepInterval = time.Second

// Option configures NewAgent.
type Option func(*options)

type options struct {
	issuer  ca.Issuer
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// WithIssuer replaces the HTTP CA client, typically with an in-process
// localca.Authority.
func WithIssuer(i ca.Issuer) Option {
	return func(o *options) { o.issuer = i }
}

// WithClock injects the time source used by every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. When unset and metrics are enabled in
// the configuration the agent creates its own.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Agent owns every component of a running agent.
type Agent struct {
	cfg     *config.Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	identity  *did.Identity
	issuer    ca.Issuer
	tokens    *tokenstore.Store
	redis     *redis.Client
	lifecycle *certs.Lifecycle
	verifier  *certs.Verifier
	source    *identitytls.FileSource
	serverTLS *tls.Config
	clientTLS *tls.Config
	auth      *challenge.Authenticator
	gate      *trustgate.Gate
	scheduler *renewal.Scheduler

	// hadCertificate is set when a still-valid certificate was on disk at
	// startup.
	hadCertificate bool

	stopSweep context.CancelFunc
	group     *bg.Group

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewAgent loads or creates the identity in cfg and brings the agent up.
// ctx bounds the bootstrap calls to the CA; the renewal loop keeps running
// after ctx ends, until Close.
func NewAgent(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("didmesh: config is required")
	}
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil && cfg.Metrics.Enabled {
		o.metrics = metrics.New()
	}

	a := &Agent{
		cfg:     cfg,
		now:     o.now,
		logger:  o.logger,
		metrics: o.metrics,
		issuer:  o.issuer,
		group:   bg.NewGroup(bg.Async{}),
		closed:  make(chan struct{}),
	}
	if err := a.bootstrap(ctx); err != nil {
		_ = a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Agent) bootstrap(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"load identity", a.loadIdentity},
		{"prepare components", a.prepare},
		{"ensure CA root", a.ensureCA},
		{"ensure own certificate", a.ensureOwnCertificate},
		{"verify own certificate", a.verifyOwnCertificate},
		{"build TLS contexts", a.buildContexts},
		{"start renewal loop", a.startRenewalLoop},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	a.logger.Info("Agent ready",
		zap.String("did", a.identity.DID()),
		zap.Bool("mtls_required", a.cfg.TLS.MTLSRequired))
	return nil
}

func (a *Agent) loadIdentity(context.Context) error {
	kt, err := did.ParseKeyType(a.cfg.Identity.KeyType)
	if err != nil {
		return err
	}
	mgr := did.NewManager(
		did.WithMethod(a.cfg.Identity.DIDMethod),
		did.WithKeyType(kt),
		did.WithServiceEndpoint(a.cfg.Identity.ServiceEndpoint),
		did.WithLogger(a.logger),
	)
	id, err := mgr.GetOrCreate(a.cfg.Identity.KeyPath)
	if err != nil {
		return err
	}
	if ep := a.cfg.Identity.ServiceEndpoint; ep != "" && id.Document().ServiceEndpoint() != ep {
		if err := id.UpdateServiceEndpoint(ep); err != nil {
			return fmt.Errorf("update service endpoint: %w", err)
		}
	}
	a.identity = id
	return nil
}

// prepare wires the components that need no network access.
func (a *Agent) prepare(ctx context.Context) error {
	if a.issuer == nil {
		client, err := ca.NewClient(a.cfg.CA.URL,
			ca.WithTimeout(a.cfg.CA.Timeout),
			ca.WithLogger(a.logger),
			ca.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.issuer = client
	}

	persister, err := a.tokenPersister(ctx)
	if err != nil {
		return err
	}
	a.tokens = tokenstore.New(
		tokenstore.WithClock(a.now),
		tokenstore.WithPersister(persister),
		tokenstore.WithLogger(a.logger),
		tokenstore.WithMetrics(a.metrics))
	if err := a.tokens.Load(ctx); err != nil {
		a.logger.Warn("Token cache unavailable, starting empty", zap.Error(err))
	}

	td, err := spiffeid.TrustDomainFromString(a.cfg.CA.TrustDomain)
	if err != nil {
		return fmt.Errorf("trust domain: %w", err)
	}
	certOpts := []certs.Option{
		certs.WithClock(a.now),
		certs.WithLogger(a.logger),
		certs.WithMetrics(a.metrics),
		certs.WithTrustDomain(td),
		certs.WithDefaultTokenTTL(a.cfg.Tokens.TTL),
	}
	if a.lifecycle, err = certs.NewLifecycle(a.identity, a.issuer, certs.NewPaths(a.cfg.Certificates.Dir), certOpts...); err != nil {
		return err
	}
	if a.verifier, err = certs.NewVerifier(a.issuer, a.tokens, certOpts...); err != nil {
		return err
	}

	a.auth, err = challenge.New(a.identity,
		challenge.WithClock(a.now),
		challenge.WithChallengeTTL(a.cfg.Challenge.TTL),
		challenge.WithVerifiedTTL(a.cfg.Challenge.VerifiedTTL),
		challenge.WithDocumentCache(a.cfg.Challenge.DocumentCacheSize, a.cfg.Challenge.DocumentCacheTTL),
		challenge.WithLogger(a.logger),
		challenge.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	gateOpts := []trustgate.Option{trustgate.WithLogger(a.logger), trustgate.WithMetrics(a.metrics)}
	if a.cfg.TLS.MTLSRequired {
		gateOpts = append(gateOpts, trustgate.WithMTLS(a.verifier))
	}
	a.gate = trustgate.New(a.auth, gateOpts...)
	return nil
}

func (a *Agent) tokenPersister(ctx context.Context) (tokenstore.Persister, error) {
	switch {
	case a.cfg.Tokens.RedisAddr != "":
		client, err := tokenstore.NewRedisClient(ctx, a.cfg.Tokens.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return tokenstore.NewRedisPersister(client, a.cfg.Tokens.RedisKey), nil
	case a.cfg.Tokens.CacheFile != "":
		return tokenstore.NewFilePersister(a.cfg.Tokens.CacheFile), nil
	default:
		return nil, nil
	}
}

func (a *Agent) ensureCA(ctx context.Context) error {
	return a.lifecycle.EnsureRootCertificate(ctx)
}

// ensureOwnCertificate keeps a valid certificate from disk unless it is
// already inside its renewal window. A failed early renewal is tolerated
// while the old certificate is still valid.
func (a *Agent) ensureOwnCertificate(ctx context.Context) error {
	valid := a.lifecycle.HasValidCertificate()
	a.hadCertificate = valid
	if valid && !a.lifecycle.ShouldRenew() {
		return nil
	}
	if _, err := a.lifecycle.RequestCertificate(ctx); err != nil {
		if valid {
			a.logger.Warn("Early renewal failed, keeping current certificate", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// verifyOwnCertificate checks the active certificate with the CA. A CA
// outage is fatal only when there was no valid certificate to start with.
func (a *Agent) verifyOwnCertificate(ctx context.Context) error {
	res, err := a.verifier.Verify(ctx, a.lifecycle.Paths().Cert)
	if err != nil {
		if a.hadCertificate && ca.IsUnavailable(err) {
			a.logger.Warn("CA unavailable, serving existing certificate unverified", zap.Error(err))
			return nil
		}
		return err
	}
	if res.SubjectDID != a.identity.DID() {
		return fmt.Errorf("%w: certificate names %s", certs.ErrCertificateVerification, res.SubjectDID)
	}
	return nil
}

func (a *Agent) buildContexts(context.Context) error {
	policy, err := a.policy()
	if err != nil {
		return err
	}
	if a.source, err = identitytls.NewFileSource(a.lifecycle.Paths(), identitytls.WithClock(a.now)); err != nil {
		return err
	}
	if a.serverTLS, err = identitytls.NewServerTLSConfig(a.source, policy); err != nil {
		return err
	}
	if !a.cfg.TLS.MTLSRequired {
		optionalClientCert(a.serverTLS)
	}
	a.clientTLS, err = identitytls.NewClientTLSConfig(a.source, policy)
	return err
}

func (a *Agent) policy() (identitytls.Policy, error) {
	minVersion, err := identitytls.ParseTLSVersion(a.cfg.TLS.MinVersion)
	if err != nil {
		return identitytls.Policy{}, err
	}
	suites, err := identitytls.ParseCipherSuites(a.cfg.TLS.CipherSuites)
	if err != nil {
		return identitytls.Policy{}, err
	}
	pinned := identitytls.NewPinnedPeers()
	for _, path := range a.cfg.TLS.PinnedPeers {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - operator supplied path
		if err != nil {
			return identitytls.Policy{}, fmt.Errorf("pinned peer: %w", err)
		}
		fp, err := pinned.AddPEM(data)
		if err != nil {
			return identitytls.Policy{}, fmt.Errorf("pinned peer %s: %w", path, err)
		}
		a.logger.Info("Pinned peer certificate", zap.String("path", path), zap.String("fingerprint", fp))
	}
	return identitytls.Policy{MinVersion: minVersion, CipherSuites: suites, Pinned: pinned}, nil
}

// optionalClientCert lets clients connect without a certificate. One that
// is presented must still verify.
func optionalClientCert(cfg *tls.Config) {
	verify := cfg.VerifyPeerCertificate
	cfg.ClientAuth = tls.RequestClientCert
	cfg.VerifyPeerCertificate = func(raw [][]byte, chains [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return nil
		}
		return verify(raw, chains)
	}
}

func (a *Agent) startRenewalLoop(ctx context.Context) error {
	a.scheduler = renewal.New(a.lifecycle, a.verifier,
		renewal.WithInterval(a.cfg.Certificates.RenewalCheckInterval),
		renewal.WithCycleTimeout(a.cfg.Certificates.RenewalCycleTimeout),
		renewal.WithOnRenewed(a.onRenewed),
		renewal.WithLogger(a.logger),
		renewal.WithMetrics(a.metrics))
	loopCtx := context.WithoutCancel(ctx)
	if err := a.scheduler.Start(loopCtx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(loopCtx)
	a.stopSweep = cancel
	a.group.Go(func() { a.sweepLoop(sweepCtx) })
	return nil
}

func (a *Agent) onRenewed(rec *certs.Record) {
	if err := a.source.Reload(); err != nil {
		a.logger.Error("Reload TLS material after renewal", zap.Error(err))
		return
	}
	a.logger.Info("TLS material reloaded",
		zap.String("fingerprint", rec.Fingerprint),
		zap.Time("not_after", rec.NotAfter))
}

// sweepLoop reclaims expired challenges, verified connections and tokens
// and flushes the token cache.
func (a *Agent) sweepLoop(ctx context.Context) {
	interval := max(a.cfg.Challenge.TTL, minSweepInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Agent) sweep(ctx context.Context) {
	challenges := a.auth.SweepExpired()
	tokens := a.tokens.SweepExpired()
	if challenges+tokens > 0 {
		a.logger.Debug("Swept expired state",
			zap.Int("challenges_and_sessions", challenges),
			zap.Int("tokens", tokens))
	}
	if err := a.tokens.Flush(ctx); err != nil {
		a.logger.Warn("Token cache flush failed", zap.Error(err))
	}
}

// RenewNow runs one renewal cycle immediately and reports whether the
// certificate was replaced.
func (a *Agent) RenewNow(ctx context.Context) (bool, error) {
	return a.scheduler.RunOnce(ctx)
}

// DID returns the agent's DID.
func (a *Agent) DID() string { return a.identity.DID() }

// Identity returns the agent's identity.
func (a *Agent) Identity() *did.Identity { return a.identity }

// Authenticator returns the challenge-response state.
func (a *Agent) Authenticator() *challenge.Authenticator { return a.auth }

// Verifier returns the certificate verifier.
func (a *Agent) Verifier() *certs.Verifier { return a.verifier }

// Lifecycle returns the certificate lifecycle.
func (a *Agent) Lifecycle() *certs.Lifecycle { return a.lifecycle }

// Gate returns the trust gate guarding application routes.
func (a *Agent) Gate() *trustgate.Gate { return a.gate }

// Metrics returns the metrics sink, nil when metrics are disabled.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// ServerTLSConfig returns a copy of the server mTLS configuration.
func (a *Agent) ServerTLSConfig() *tls.Config { return a.serverTLS.Clone() }

// ClientTLSConfig returns a copy of the client mTLS configuration.
func (a *Agent) ClientTLSConfig() *tls.Config { return a.clientTLS.Clone() }

// Close stops the renewal loop and background sweeps and flushes the token
// cache. It is safe to call more than once.
func (a *Agent) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.closeErr = a.release(ctx)
		a.logger.Info("Agent closed", zap.String("did", a.identity.DID()))
	})
	return a.closeErr
}

// release tears down whatever bootstrap managed to build.
func (a *Agent) release(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopSweep != nil {
		a.stopSweep()
		if err := a.group.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for sweeper: %w", err))
		}
	}
	if a.tokens != nil {
		if err := a.tokens.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
