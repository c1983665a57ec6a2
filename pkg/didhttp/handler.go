// Package didhttp serves the peer-facing security endpoints and provides
// the client that runs the same protocol against a remote agent.
//
//	POST /security/exchange_did        {did, did_document} -> {did, did_document}
//	POST /security/challenge           {did} -> {challenge_id, challenge, expires_in}
//	POST /security/challenge_response  {challenge_id, did, signature} -> {verified, did, timestamp}
//	POST /security/verify_connection   {did, certificate?} -> {verified, did}
//	GET  /security/did_document        -> own DID document
//
// Authentication failures are always 401 {"error":"unauthenticated"}. A CA
// outage while checking a certificate is 503 {"error":"service_unavailable"}.
package didhttp

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/httpx"
	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/certs"
	"github.com/sufield/didmesh/pkg/challenge"
)

// CertificateChecker binds a PEM certificate to a DID through the CA.
// *certs.Verifier implements it.
type CertificateChecker interface {
	CheckPeerCertificate(ctx context.Context, certPEM []byte, expectedDID string) error
}

// Handler serves the security routes.
type Handler struct {
	auth        *challenge.Authenticator
	certs       CertificateChecker
	requireMTLS bool
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCertificateChecker enables certificate binding in verify_connection.
func WithCertificateChecker(c CertificateChecker) Option {
	return func(h *Handler) { h.certs = c }
}

// WithRequireMTLS makes verify_connection fail unless a certificate bound
// to the DID is supplied in the body or by the TLS connection.
func WithRequireMTLS(v bool) Option {
	return func(h *Handler) { h.requireMTLS = v }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler returns the security endpoints backed by auth.
func NewHandler(auth *challenge.Authenticator, opts ...Option) *Handler {
	h := &Handler{auth: auth, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with the security endpoints mounted at Prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route(Prefix, func(r chi.Router) {
		r.Use(requestLogger(h.logger))
		r.Post(PathExchangeDID, h.exchangeDID)
		r.Post(PathChallenge, h.issueChallenge)
		r.Post(PathChallengeResponse, h.challengeResponse)
		r.Post(PathVerifyConnection, h.verifyConnection)
		r.Get(PathDIDDocument, h.didDocument)
	})
	return r
}

func (h *Handler) exchangeDID(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil || req.DID == "" {
		httpx.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	own, err := h.auth.ExchangeDID(req.DID, req.DIDDocument)
	if err != nil {
		h.logger.Debug("DID exchange rejected", zap.String("peer_did", req.DID), zap.Error(err))
		httpx.WriteError(w, http.StatusBadRequest, ErrCodeInvalidDocument)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ExchangeResponse{DID: own.ID, DIDDocument: own})
}

func (h *Handler) issueChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil || req.DID == "" {
		httpx.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	c, err := h.auth.IssueChallenge(req.DID)
	switch {
	case errors.Is(err, challenge.ErrTooManyChallenges):
		httpx.WriteError(w, http.StatusTooManyRequests, ErrCodeTooManyChallenges)
		return
	case err != nil:
		httpx.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ChallengeResponse{
		ChallengeID: c.ID,
		Challenge:   c.Nonce,
		ExpiresIn:   int(c.ExpiresIn() / time.Second),
	})
}

func (h *Handler) challengeResponse(w http.ResponseWriter, r *http.Request) {
	var req ChallengeAnswer
	if err := httpx.ReadJSON(w, r, &req); err != nil || req.ChallengeID == "" || req.DID == "" {
		httpx.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	// An undecodable signature still consumes the challenge.
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		sig = nil
	}
	if !h.auth.VerifyChallengeResponse(req.ChallengeID, req.DID, sig) {
		httpx.WriteError(w, http.StatusUnauthorized, ErrCodeUnauthenticated)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ChallengeResult{
		Verified:  true,
		DID:       req.DID,
		Timestamp: h.now().UTC(),
	})
}

func (h *Handler) verifyConnection(w http.ResponseWriter, r *http.Request) {
	var req VerifyConnectionRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil || req.DID == "" {
		httpx.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	resp := VerifyConnectionResponse{DID: req.DID}
	if !h.auth.IsVerified(req.DID) {
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}

	// The TLS peer certificate wins. A certificate in the body must be the
	// same one; it is used on its own only when the channel carries none.
	certPEM := []byte(strings.TrimSpace(req.Certificate))
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		channel := r.TLS.PeerCertificates[0]
		if len(certPEM) > 0 {
			presented, err := certs.ParseCertificatePEM(certPEM)
			if err != nil || certs.Fingerprint(presented.Raw) != certs.Fingerprint(channel.Raw) {
				h.logger.Debug("Presented certificate differs from TLS peer certificate",
					zap.String("peer_did", req.DID))
				httpx.WriteJSON(w, http.StatusOK, resp)
				return
			}
		}
		certPEM = certs.EncodeCertificatePEM(channel)
	}
	switch {
	case len(certPEM) == 0 || h.certs == nil:
		resp.Verified = !h.requireMTLS
	default:
		err := h.certs.CheckPeerCertificate(r.Context(), certPEM, req.DID)
		if err != nil && ca.IsUnavailable(err) {
			h.logger.Warn("CA unavailable during connection verification",
				zap.String("peer_did", req.DID), zap.Error(err))
			httpx.WriteError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable)
			return
		}
		if err != nil {
			h.logger.Debug("Certificate not bound to DID", zap.String("peer_did", req.DID), zap.Error(err))
		}
		resp.Verified = err == nil
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) didDocument(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.auth.LocalDocument())
}

// Healthz reports liveness and the agent's DID.
func Healthz(selfDID string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", DID: selfDID})
	}
}

func requestLogger(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Debug("Security request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}
