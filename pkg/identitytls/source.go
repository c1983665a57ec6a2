package identitytls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sufield/didmesh/pkg/certs"
)

// ErrTLSMaterial means the certificate, key or CA root needed to build a TLS
// config is missing or unusable. Builders fail with it rather than fall back
// to unauthenticated TLS.
var ErrTLSMaterial = errors.New("TLS material unavailable")

// CertSource provides the local certificate and the CA roots for mTLS.
//
// Both methods are called on the handshake path. Implementations must serve
// from memory and must not block on network I/O. *certs.Lifecycle and
// *FileSource implement it.
type CertSource interface {
	// TLSCertificate returns the certificate presented to peers. The Leaf
	// field must be populated.
	TLSCertificate() (*tls.Certificate, error)

	// RootPool returns the CA roots used to verify peers.
	RootPool() (*x509.CertPool, error)
}

var (
	_ CertSource = (*FileSource)(nil)
	_ CertSource = (*certs.Lifecycle)(nil)
)

// FileSource serves certificate material read from the certificate
// directory. Reload picks up files swapped in by renewal.
type FileSource struct {
	paths certs.Paths
	now   func() time.Time

	mu    sync.RWMutex
	cert  *tls.Certificate
	roots *x509.CertPool
}

// FileSourceOption configures a FileSource.
type FileSourceOption func(*FileSource)

// WithClock sets the clock used to detect an expired certificate.
func WithClock(now func() time.Time) FileSourceOption {
	return func(s *FileSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFileSource reads the leaf, key and CA root under paths. Any missing or
// unparseable file fails with ErrTLSMaterial.
func NewFileSource(paths certs.Paths, opts ...FileSourceOption) (*FileSource, error) {
	s := &FileSource{paths: paths, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the files. On failure the previously loaded material stays
// in use.
func (s *FileSource) Reload() error {
	for _, p := range []string{s.paths.Cert, s.paths.Key, s.paths.Root} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %w", ErrTLSMaterial, err)
		}
	}
	cert, err := tls.LoadX509KeyPair(s.paths.Cert, s.paths.Key)
	if err != nil {
		return fmt.Errorf("%w: load key pair: %w", ErrTLSMaterial, err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return fmt.Errorf("%w: parse leaf: %w", ErrTLSMaterial, err)
		}
	}
	rootPEM, err := os.ReadFile(s.paths.Root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTLSMaterial, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return fmt.Errorf("%w: %s holds no certificate", ErrTLSMaterial, s.paths.Root)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cert = &cert
	s.roots = roots
	return nil
}

// TLSCertificate returns the loaded certificate. Past the leaf's NotAfter it
// fails with certs.ErrCertificateExpired until a renewed one is reloaded.
func (s *FileSource) TLSCertificate() (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cert == nil {
		return nil, ErrTLSMaterial
	}
	if leaf := s.cert.Leaf; !s.now().Before(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: %s expired at %s", certs.ErrCertificateExpired,
			certs.Fingerprint(leaf.Raw), leaf.NotAfter.Format(time.RFC3339))
	}
	return s.cert, nil
}

// RootPool returns the loaded CA roots.
func (s *FileSource) RootPool() (*x509.CertPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.roots == nil {
		return nil, ErrTLSMaterial
	}
	return s.roots, nil
}
