// Package localca is a self-contained certificate authority implementing the
// same operations as the remote CA. It backs the didmesh-ca development
// server and is used directly in tests.
//
// Issued leaves carry the agent DID as subject common name and as a URI SAN.
// Verification tokens are ES256 JWTs signed with the root key.
package localca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/fsutil"
	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/did"
)

const (
	DefaultValidity = 30 * 24 * time.Hour
	DefaultTokenTTL = 24 * time.Hour

	rootValidity = 10 * 365 * 24 * time.Hour
	issuerName   = "didmesh-ca"

	RootCertFile = "ca.pem"
	RootKeyFile  = "ca-key.pem"
)

// ErrInvalidRequest is returned for issue requests the CA refuses.
var ErrInvalidRequest = errors.New("invalid certificate request")

// Authority is an in-process CA.
type Authority struct {
	mu       sync.Mutex
	root     *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootPEM  []byte
	pool     *x509.CertPool
	validity time.Duration
	tokenTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

var _ ca.Issuer = (*Authority)(nil)

// Option configures an Authority.
type Option func(*Authority)

// WithValidity sets the lifetime of issued certificates.
func WithValidity(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.validity = d
		}
	}
}

// WithTokenTTL sets the lifetime of verification tokens. Zero or negative
// keeps the default.
func WithTokenTTL(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.tokenTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.logger = l
		}
	}
}

func newAuthority(opts []Option) *Authority {
	a := &Authority{
		validity: DefaultValidity,
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// New creates an Authority with a fresh in-memory root.
func New(opts ...Option) (*Authority, error) {
	a := newAuthority(opts)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	if err := a.selfSign(key); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadOrCreate reads the root certificate and key from dir, creating and
// persisting a new root when none exists.
func LoadOrCreate(dir string, opts ...Option) (*Authority, error) {
	certPath := filepath.Join(dir, RootCertFile)
	keyPath := filepath.Join(dir, RootKeyFile)

	if !fsutil.Exists(certPath) && !fsutil.Exists(keyPath) {
		a, err := New(opts...)
		if err != nil {
			return nil, err
		}
		keyDER, err := x509.MarshalPKCS8PrivateKey(a.rootKey)
		if err != nil {
			return nil, fmt.Errorf("marshal root key: %w", err)
		}
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
		if err := fsutil.WriteFileAtomic(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
			return nil, fmt.Errorf("write root key: %w", err)
		}
		if err := fsutil.WriteFileAtomic(certPath, a.rootPEM, 0o644); err != nil {
			return nil, fmt.Errorf("write root certificate: %w", err)
		}
		a.logger.Info("Created CA root", zap.String("dir", dir), zap.Time("not_after", a.root.NotAfter))
		return a, nil
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read root certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read root key: %w", err)
	}
	signer, err := did.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("root key: %w", err)
	}
	key, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("root key must be ECDSA, got %T", signer)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("root certificate: no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, errors.New("root key does not match root certificate")
	}

	a := newAuthority(opts)
	a.setRoot(cert, key)
	return a, nil
}

func (a *Authority) selfSign(key *ecdsa.PrivateKey) error {
	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := a.now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "didmesh root CA", Organization: []string{"didmesh"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}
	a.setRoot(cert, key)
	return nil
}

func (a *Authority) setRoot(cert *x509.Certificate, key *ecdsa.PrivateKey) {
	a.root = cert
	a.rootKey = key
	a.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	a.pool = x509.NewCertPool()
	a.pool.AddCert(cert)
}

// Root returns the root certificate.
func (a *Authority) Root() *x509.Certificate { return a.root }

// RootPEM returns the PEM-encoded root certificate.
func (a *Authority) RootPEM() []byte { return append([]byte(nil), a.rootPEM...) }

// FetchRootCertificate returns the root certificate PEM.
func (a *Authority) FetchRootCertificate(context.Context) ([]byte, error) {
	return a.RootPEM(), nil
}

// IssueCertificate signs a leaf binding did to the PEM public key.
func (a *Authority) IssueCertificate(_ context.Context, subject string, publicKeyPEM []byte) (*ca.IssueResponse, error) {
	if _, err := did.Parse(subject); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	pub, err := did.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %w", ErrInvalidRequest, err)
	}
	if pinned, err := did.PublicKeyFromKeyDID(subject); err == nil {
		if !did.KeysEqual(pinned, pub) {
			return nil, fmt.Errorf("%w: public key does not match %s", ErrInvalidRequest, subject)
		}
	}
	uri, err := url.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	usage := x509.KeyUsageDigitalSignature
	if _, ok := pub.(*rsa.PublicKey); ok {
		usage |= x509.KeyUsageKeyEncipherment
	}
	now := a.now().Truncate(time.Second)
	notAfter := now.Add(a.validity)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject},
		URIs:         []*url.URL{uri},
		NotBefore:    now,
		NotAfter:     notAfter,
		KeyUsage:     usage,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.root, pub, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}

	a.logger.Info("Issued certificate",
		zap.String("did", subject),
		zap.String("serial", serial.Text(16)),
		zap.Time("not_after", notAfter))
	return &ca.IssueResponse{
		Certificate:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		ExpiresAt:    ca.NewTimestamp(notAfter),
		SerialNumber: serial.Text(16),
	}, nil
}

// VerifyCertificate checks that certPEM chains to the root, is within its
// validity window and names a DID. Valid certificates get a token.
func (a *Authority) VerifyCertificate(_ context.Context, certPEM []byte) (*ca.VerifyResponse, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return &ca.VerifyResponse{Valid: false, Reason: "no certificate PEM block"}, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return &ca.VerifyResponse{Valid: false, Reason: "unparseable certificate"}, nil
	}

	now := a.now()
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       a.pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		a.logger.Debug("Certificate failed verification", zap.Error(err))
		return &ca.VerifyResponse{Valid: false, Reason: "certificate not issued by this CA or not currently valid"}, nil
	}
	subject, err := did.FromCertificate(cert)
	if err != nil {
		return &ca.VerifyResponse{Valid: false, Reason: "certificate does not name a DID"}, nil
	}

	expires := now.Add(a.tokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   subject,
		ID:        Fingerprint(cert.Raw),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign verification token: %w", err)
	}
	return &ca.VerifyResponse{Valid: true, Token: token, ExpiresAt: ca.NewTimestamp(expires)}, nil
}

// ParseToken validates a verification token issued by this CA and returns
// its claims.
func (a *Authority) ParseToken(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return &a.rootKey.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Fingerprint is the hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
