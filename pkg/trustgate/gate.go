// Package trustgate enforces, per inbound request, that the caller has
// completed the challenge-response protocol and, when mTLS is mandatory,
// presented a certificate bound to the DID it claims.
package trustgate

import (
	"context"
	"crypto/x509"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/httpx"
	"github.com/sufield/didmesh/internal/metrics"
)

// Scheme is the Authorization header scheme carrying the caller's DID.
const Scheme = "DID"

// Unauthenticated is the error body of every rejection.
const Unauthenticated = "unauthenticated"

// VerifiedPeers answers whether a DID holds a live verified connection.
// *challenge.Authenticator implements it.
type VerifiedPeers interface {
	IsVerified(peerDID string) bool
}

// CertificateValidator binds a TLS peer certificate to a DID.
// *certs.Verifier implements it.
type CertificateValidator interface {
	ValidatePeer(ctx context.Context, cert *x509.Certificate, expectedDID string) bool
}

// Gate is the middleware.
type Gate struct {
	peers        VerifiedPeers
	certificates CertificateValidator
	requireMTLS  bool
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithMTLS makes a CA-valid client certificate for the claimed DID
// mandatory.
func WithMTLS(v CertificateValidator) Option {
	return func(g *Gate) {
		g.certificates = v
		g.requireMTLS = v != nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New returns a Gate consulting peers.
func New(peers VerifiedPeers, opts ...Option) *Gate {
	g := &Gate{peers: peers, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequiresMTLS reports whether the gate checks client certificates.
func (g *Gate) RequiresMTLS() bool { return g.requireMTLS }

// Middleware wraps next. It has the chi middleware signature.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerDID, reason := g.check(r)
		if reason != "" {
			g.metrics.GateDecision(metrics.ResultDenied)
			g.logger.Debug("Request rejected",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("claimed_did", peerDID),
				zap.String("reason", reason))
			httpx.WriteError(w, http.StatusUnauthorized, Unauthenticated)
			return
		}
		g.metrics.GateDecision(metrics.ResultAllowed)
		next.ServeHTTP(w, r.WithContext(WithDID(r.Context(), peerDID)))
	})
}

// Allow runs the gate's checks against r without serving it.
func (g *Gate) Allow(r *http.Request) (string, bool) {
	peerDID, reason := g.check(r)
	return peerDID, reason == ""
}

// check returns the claimed DID and, when the request must be rejected,
// the internal reason. The reason is logged, never sent.
func (g *Gate) check(r *http.Request) (string, string) {
	peerDID, ok := ParseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		return "", "missing or malformed authorization"
	}
	if !g.peers.IsVerified(peerDID) {
		return peerDID, "peer not verified"
	}
	if !g.requireMTLS {
		return peerDID, ""
	}
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return peerDID, "no client certificate"
	}
	if !g.certificates.ValidatePeer(r.Context(), r.TLS.PeerCertificates[0], peerDID) {
		return peerDID, "client certificate not bound to DID"
	}
	return peerDID, ""
}

// ParseAuthorization extracts the DID from "DID <did>". The scheme is
// case-insensitive; the DID is taken verbatim.
func ParseAuthorization(header string) (string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, " \t") {
		return "", false
	}
	return value, true
}

// AuthorizationHeader formats the header value for peerDID.
func AuthorizationHeader(peerDID string) string { return Scheme + " " + peerDID }

type ctxKey struct{}

// WithDID stores the verified caller DID in ctx.
func WithDID(ctx context.Context, peerDID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, peerDID)
}

// DIDFromContext returns the DID the gate admitted.
func DIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}
