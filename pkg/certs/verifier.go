package certs

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/did"
	"github.com/sufield/didmesh/pkg/tokenstore"
)

// VerificationResult describes a certificate the CA accepted.
type VerificationResult struct {
	Fingerprint string
	SubjectDID  string
	Token       string
	ExpiresAt   time.Time
	// Cached is true when the result came from the token store without a
	// CA round trip.
	Cached bool
}

// Verifier checks certificates with the CA and caches the verification
// tokens it returns.
type Verifier struct {
	issuer   ca.Issuer
	tokens   *tokenstore.Store
	tokenTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger

	group singleflight.Group
}

// NewVerifier returns a Verifier that caches tokens in tokens.
func NewVerifier(issuer ca.Issuer, tokens *tokenstore.Store, opts ...Option) (*Verifier, error) {
	if issuer == nil {
		return nil, errors.New("certs: issuer is required")
	}
	if tokens == nil {
		return nil, errors.New("certs: token store is required")
	}
	o := newOptions(opts)
	return &Verifier{
		issuer:   issuer,
		tokens:   tokens,
		tokenTTL: o.tokenTTL,
		now:      o.now,
		logger:   o.logger,
	}, nil
}

// Verify checks the PEM certificate stored at certPath.
func (v *Verifier) Verify(ctx context.Context, certPath string) (*VerificationResult, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate: %w", ErrCertificateVerification, err)
	}
	return v.VerifyPEM(ctx, certPEM)
}

// VerifyPEM checks a PEM certificate. A cached token that is neither expired
// nor expiring soon answers without contacting the CA. Otherwise the CA is
// asked, and concurrent requests for the same certificate share one call.
func (v *Verifier) VerifyPEM(ctx context.Context, certPEM []byte) (*VerificationResult, error) {
	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateVerification, err)
	}
	subject, err := did.FromCertificate(leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateVerification, err)
	}
	fp := Fingerprint(leaf.Raw)
	if !v.now().Before(leaf.NotAfter) {
		v.tokens.Remove(fp)
		return nil, fmt.Errorf("%w: %w", ErrCertificateVerification, ErrCertificateExpired)
	}

	if res, ok := v.cached(fp, subject); ok {
		return res, nil
	}

	// The shared call is detached from any one caller's cancellation and is
	// bounded by the issuer's own timeout. Each caller still honours its ctx.
	ch := v.group.DoChan(fp, func() (any, error) {
		return v.verifyWithCA(context.WithoutCancel(ctx), certPEM, fp, subject)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCertificateVerification, ctx.Err())
	}
	if r.Err != nil {
		return nil, r.Err
	}
	res := *r.Val.(*VerificationResult)
	if r.Shared {
		v.logger.Debug("Shared in-flight certificate verification", zap.String("fingerprint", fp))
	}
	return &res, nil
}

func (v *Verifier) cached(fp, subject string) (*VerificationResult, bool) {
	token, soon, err := v.tokens.Get(fp)
	switch {
	case err != nil:
		return nil, false
	case soon:
		v.logger.Debug("Verification token expiring soon, re-verifying", zap.String("fingerprint", fp))
		return nil, false
	}
	e, ok := v.tokens.Lookup(fp)
	if !ok {
		return nil, false
	}
	return &VerificationResult{
		Fingerprint: fp,
		SubjectDID:  subject,
		Token:       token,
		ExpiresAt:   e.ExpiresAt,
		Cached:      true,
	}, true
}

func (v *Verifier) verifyWithCA(ctx context.Context, certPEM []byte, fp, subject string) (*VerificationResult, error) {
	resp, err := v.issuer.VerifyCertificate(ctx, certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateVerification, err)
	}
	if !resp.Valid {
		v.tokens.Remove(fp)
		v.logger.Warn("CA rejected certificate",
			zap.String("did", subject),
			zap.String("fingerprint", fp),
			zap.String("reason", resp.Reason))
		if resp.Reason != "" {
			return nil, fmt.Errorf("%w: CA rejected certificate: %s", ErrCertificateVerification, resp.Reason)
		}
		return nil, fmt.Errorf("%w: CA rejected certificate", ErrCertificateVerification)
	}

	now := v.now()
	expires := v.tokenExpiry(resp, now)
	if expires.After(now) {
		v.tokens.Store(fp, resp.Token, expires)
		if err := v.tokens.Flush(ctx); err != nil {
			v.logger.Warn("Could not persist token cache", zap.Error(err))
		}
	}
	v.logger.Debug("Certificate verified by CA",
		zap.String("did", subject),
		zap.String("fingerprint", fp),
		zap.Time("token_expires_at", expires))
	return &VerificationResult{
		Fingerprint: fp,
		SubjectDID:  subject,
		Token:       resp.Token,
		ExpiresAt:   expires,
	}, nil
}

// tokenExpiry prefers the CA's expires_at, then the token's exp claim, then
// the default TTL.
func (v *Verifier) tokenExpiry(resp *ca.VerifyResponse, now time.Time) time.Time {
	if t := resp.ExpiresAt.TimeOrZero(); !t.IsZero() {
		return t
	}
	if resp.Token != "" {
		claims := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, claims); err == nil && claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time
		}
	}
	return now.Add(v.tokenTTL)
}

// CheckPeerCertificate requires that certPEM names exactly expectedDID and
// that the CA accepts it.
func (v *Verifier) CheckPeerCertificate(ctx context.Context, certPEM []byte, expectedDID string) error {
	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateVerification, err)
	}
	subject, err := did.FromCertificate(leaf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateVerification, err)
	}
	if expectedDID == "" || subject != expectedDID {
		return fmt.Errorf("%w: certificate is for %q, peer claims %q", ErrCertificateVerification, subject, expectedDID)
	}

	tmp, err := os.CreateTemp("", "didmesh-peer-*.pem")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateVerification, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	_, werr := tmp.Write(EncodeCertificatePEM(leaf))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("%w: %w", ErrCertificateVerification, werr)
	}

	_, err = v.Verify(ctx, tmp.Name())
	return err
}

// ValidatePeerCertificate is CheckPeerCertificate reduced to a bool.
func (v *Verifier) ValidatePeerCertificate(ctx context.Context, certPEM []byte, expectedDID string) bool {
	if err := v.CheckPeerCertificate(ctx, certPEM, expectedDID); err != nil {
		v.logger.Debug("Peer certificate rejected", zap.String("did", expectedDID), zap.Error(err))
		return false
	}
	return true
}

// ValidatePeer validates a certificate taken from a TLS connection.
func (v *Verifier) ValidatePeer(ctx context.Context, cert *x509.Certificate, expectedDID string) bool {
	if cert == nil {
		return false
	}
	return v.ValidatePeerCertificate(ctx, EncodeCertificatePEM(cert), expectedDID)
}
