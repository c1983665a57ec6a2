package didhttp

import (
	"time"

	"github.com/sufield/didmesh/pkg/did"
)

// Routes served under Prefix.
const (
	Prefix                = "/security"
	PathExchangeDID       = "/exchange_did"
	PathChallenge         = "/challenge"
	PathChallengeResponse = "/challenge_response"
	PathVerifyConnection  = "/verify_connection"
	PathDIDDocument       = "/did_document"
	PathHealthz           = "/healthz"
	PathMetrics           = "/metrics"
)

// Error bodies.
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeInvalidDocument    = "invalid_did_document"
	ErrCodeUnauthenticated    = "unauthenticated"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeTooManyChallenges  = "too_many_challenges"
)

// ExchangeRequest is the body of POST /security/exchange_did. The reply has
// the same shape and carries the responder's document.
type ExchangeRequest struct {
	DID         string       `json:"did"`
	DIDDocument did.Document `json:"did_document"`
}

type ExchangeResponse = ExchangeRequest

// ChallengeRequest is the body of POST /security/challenge.
type ChallengeRequest struct {
	DID string `json:"did"`
}

// ChallengeResponse carries the nonce to sign. ExpiresIn is in seconds.
type ChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Challenge   string `json:"challenge"`
	ExpiresIn   int    `json:"expires_in"`
}

// ChallengeAnswer is the body of POST /security/challenge_response.
// Signature is the standard base64 encoding of the signature over the
// challenge string exactly as received.
type ChallengeAnswer struct {
	ChallengeID string `json:"challenge_id"`
	DID         string `json:"did"`
	Signature   string `json:"signature"`
}

// ChallengeResult is the reply to a successful ChallengeAnswer.
type ChallengeResult struct {
	Verified  bool      `json:"verified"`
	DID       string    `json:"did"`
	Timestamp time.Time `json:"timestamp"`
}

// VerifyConnectionRequest is the body of POST /security/verify_connection.
// Certificate is an optional PEM certificate to bind to DID.
type VerifyConnectionRequest struct {
	DID         string `json:"did"`
	Certificate string `json:"certificate,omitempty"`
}

type VerifyConnectionResponse struct {
	Verified bool   `json:"verified"`
	DID      string `json:"did"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	DID    string `json:"did"`
}
