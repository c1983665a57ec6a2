// Package certs manages the agent's CA-issued certificate: obtaining it,
// persisting it, deciding when to renew it and checking certificates with
// the CA.
//
// The certificate certifies the agent's DID key. Its subject common name and
// a URI SAN carry the DID. Files under the certificate directory are only
// ever replaced by rename, so readers never observe a half-written file.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/fsutil"
	"github.com/sufield/didmesh/internal/metrics"
	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/did"
)

const (
	certFilePerm = 0o644
	keyFilePerm  = 0o600
)

// Lifecycle owns the agent certificate.
type Lifecycle struct {
	identity    *did.Identity
	issuer      ca.Issuer
	paths       Paths
	trustDomain spiffeid.TrustDomain
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu      sync.RWMutex
	current *Record
	bundle  *x509bundle.Bundle
}

// NewLifecycle returns a Lifecycle for identity using issuer. Nothing is
// read or fetched until EnsureRootCertificate / HasValidCertificate /
// RequestCertificate are called.
func NewLifecycle(identity *did.Identity, issuer ca.Issuer, paths Paths, opts ...Option) (*Lifecycle, error) {
	if identity == nil {
		return nil, errors.New("certs: identity is required")
	}
	if issuer == nil {
		return nil, errors.New("certs: issuer is required")
	}
	if paths.Cert == "" || paths.Key == "" || paths.Root == "" {
		return nil, errors.New("certs: certificate paths are required")
	}
	o := newOptions(opts)
	return &Lifecycle{
		identity:    identity,
		issuer:      issuer,
		paths:       paths,
		trustDomain: o.trustDomain,
		now:         o.now,
		logger:      o.logger,
		metrics:     o.metrics,
	}, nil
}

// Paths returns the certificate file locations.
func (l *Lifecycle) Paths() Paths { return l.paths }

// EnsureRootCertificate loads the CA root from disk, fetching and
// persisting it first when the file is missing or unusable.
func (l *Lifecycle) EnsureRootCertificate(ctx context.Context) error {
	if b, err := x509bundle.Load(l.trustDomain, l.paths.Root); err == nil && len(b.X509Authorities()) > 0 {
		l.setBundle(b)
		l.logger.Debug("Loaded CA root", zap.String("path", l.paths.Root))
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) && fsutil.Exists(l.paths.Root) {
		l.logger.Warn("CA root file unusable, fetching a fresh copy", zap.String("path", l.paths.Root), zap.Error(err))
	}

	rootPEM, err := l.issuer.FetchRootCertificate(ctx)
	if err != nil {
		return fmt.Errorf("fetch CA root: %w", err)
	}
	b, err := x509bundle.Parse(l.trustDomain, rootPEM)
	if err != nil {
		return fmt.Errorf("parse CA root: %w", err)
	}
	if len(b.X509Authorities()) == 0 {
		return errors.New("CA returned no root certificate")
	}
	if err := fsutil.EnsureDir(l.paths.Dir); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(l.paths.Root, rootPEM, certFilePerm); err != nil {
		return fmt.Errorf("write CA root: %w", err)
	}
	l.setBundle(b)
	l.logger.Info("Stored CA root", zap.String("path", l.paths.Root),
		zap.String("subject", b.X509Authorities()[0].Subject.String()))
	return nil
}

func (l *Lifecycle) setBundle(b *x509bundle.Bundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bundle = b
}

// Bundle returns the CA trust bundle, or nil before EnsureRootCertificate.
func (l *Lifecycle) Bundle() *x509bundle.Bundle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bundle
}

// RootPool returns the CA roots as a cert pool.
func (l *Lifecycle) RootPool() (*x509.CertPool, error) {
	b := l.Bundle()
	if b == nil {
		return nil, errors.New("CA root not loaded")
	}
	pool := x509.NewCertPool()
	for _, c := range b.X509Authorities() {
		pool.AddCert(c)
	}
	return pool, nil
}

func (l *Lifecycle) rootCert() *x509.Certificate {
	b := l.Bundle()
	if b == nil {
		return nil
	}
	if auths := b.X509Authorities(); len(auths) > 0 {
		return auths[0]
	}
	return nil
}

// HasValidCertificate reports whether the files on disk hold a parseable,
// unexpired certificate for the current DID and key that chains to the CA
// root (when the root is loaded). A valid certificate becomes the active
// record.
func (l *Lifecycle) HasValidCertificate() bool {
	rec, err := l.load()
	if err != nil {
		l.logger.Debug("No valid certificate on disk", zap.Error(err))
		return false
	}
	l.setCurrent(rec)
	return true
}

func (l *Lifecycle) load() (*Record, error) {
	certPEM, err := os.ReadFile(l.paths.Cert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(l.paths.Key)
	if err != nil {
		return nil, err
	}
	key, err := did.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("key file: %w", err)
	}
	if !did.KeysEqual(key.Public(), l.identity.PublicKey()) {
		return nil, errors.New("key file does not hold the identity key")
	}
	rec, err := newRecord(certPEM, key, l.rootCert())
	if err != nil {
		return nil, err
	}
	if rec.SubjectDID != l.identity.DID() {
		return nil, fmt.Errorf("certificate is for %s, identity is %s", rec.SubjectDID, l.identity.DID())
	}
	now := l.now()
	if rec.Expired(now) {
		return nil, ErrCertificateExpired
	}
	if now.Before(rec.NotBefore) {
		return nil, errors.New("certificate is not yet valid")
	}
	if err := l.verifyChain(rec.Leaf, now); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Lifecycle) verifyChain(leaf *x509.Certificate, now time.Time) error {
	b := l.Bundle()
	if b == nil {
		return nil
	}
	pool, _ := l.RootPool()
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("certificate does not chain to the CA root: %w", err)
	}
	return nil
}

// RequestCertificate obtains a new certificate for the identity key and
// makes it active. On failure the previous certificate stays active.
func (l *Lifecycle) RequestCertificate(ctx context.Context) (*Record, error) {
	pubPEM, err := l.identity.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateRequest, err)
	}
	resp, err := l.issuer.IssueCertificate(ctx, l.identity.DID(), pubPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateRequest, err)
	}

	certPEM := []byte(resp.Certificate)
	rec, err := newRecord(certPEM, l.identity.Signer(), l.rootCert())
	if err != nil {
		return nil, fmt.Errorf("%w: CA returned unusable certificate: %w", ErrCertificateRequest, err)
	}
	if rec.SubjectDID != l.identity.DID() {
		return nil, fmt.Errorf("%w: CA issued certificate for %s", ErrCertificateRequest, rec.SubjectDID)
	}
	if err := l.verifyChain(rec.Leaf, l.now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateRequest, err)
	}
	if exp := resp.ExpiresAt.TimeOrZero(); !exp.IsZero() && !exp.Equal(rec.NotAfter) {
		l.logger.Debug("CA expires_at differs from certificate NotAfter; using NotAfter",
			zap.Time("expires_at", exp), zap.Time("not_after", rec.NotAfter))
	}

	if err := l.persist(certPEM); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateRequest, err)
	}
	l.setCurrent(rec)
	l.logger.Info("Certificate issued",
		zap.String("did", rec.SubjectDID),
		zap.String("fingerprint", rec.Fingerprint),
		zap.Time("not_before", rec.NotBefore),
		zap.Time("not_after", rec.NotAfter))
	return rec, nil
}

// persist writes the key before the certificate. The key never changes for
// an identity, so a crash between the two writes leaves a consistent pair.
func (l *Lifecycle) persist(certPEM []byte) error {
	keyPEM, err := l.identity.PrivateKeyPEM()
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(l.paths.Dir); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(l.paths.Key, keyPEM, keyFilePerm); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(l.paths.Cert, certPEM, certFilePerm); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

func (l *Lifecycle) setCurrent(rec *Record) {
	l.mu.Lock()
	l.current = rec
	l.mu.Unlock()
	l.metrics.SetCertificateExpiry(rec.NotAfter)
}

// ShouldRenew reports whether the active certificate is missing, expired,
// or has less than 25% of its validity window left.
func (l *Lifecycle) ShouldRenew() bool {
	l.mu.RLock()
	rec := l.current
	l.mu.RUnlock()
	if rec == nil {
		return true
	}
	return rec.ShouldRenew(l.now())
}

// Current returns the active certificate. It fails with
// ErrCertificateExpired once the certificate is past NotAfter, even if
// renewal has been failing.
func (l *Lifecycle) Current() (*Record, error) {
	l.mu.RLock()
	rec := l.current
	l.mu.RUnlock()
	if rec == nil {
		return nil, ErrNoCertificate
	}
	if rec.Expired(l.now()) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrCertificateExpired, rec.Fingerprint, rec.NotAfter.Format(time.RFC3339))
	}
	return rec, nil
}

// TLSCertificate returns the active certificate for a TLS handshake.
func (l *Lifecycle) TLSCertificate() (*tls.Certificate, error) {
	rec, err := l.Current()
	if err != nil {
		return nil, err
	}
	return rec.TLSCertificate(), nil
}
