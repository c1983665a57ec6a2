package didhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sufield/didmesh/pkg/did"
	"github.com/sufield/didmesh/pkg/trustgate"
)

const (
	defaultClientTimeout = 15 * time.Second
	maxPeerResponse      = 1 << 20
	clientUserAgent      = "didmesh-peer-client/1"
)

var (
	// ErrPeerRejected means the remote agent refused our challenge response.
	ErrPeerRejected = errors.New("peer rejected authentication")

	// ErrPeerUnavailable means the remote agent reported its CA as down.
	ErrPeerUnavailable = errors.New("peer service unavailable")

	// ErrPeerDocument means the remote agent returned an unusable document.
	ErrPeerDocument = errors.New("peer returned invalid DID document")
)

// StatusError is a non-2xx reply from a peer.
type StatusError struct {
	Path       string
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("peer %s: status %d: %s", e.Path, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("peer %s: status %d", e.Path, e.StatusCode)
}

// Is maps status codes onto ErrPeerRejected and ErrPeerUnavailable.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrPeerRejected:
		return e.StatusCode == http.StatusUnauthorized
	case ErrPeerUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Signer is the local identity that proves itself to peers.
// *did.Identity implements it.
type Signer interface {
	DID() string
	Document() did.Document
	Sign(message []byte) ([]byte, error)
}

// PeerSession is the outcome of a successful Authenticate.
type PeerSession struct {
	PeerDID      string
	PeerDocument did.Document
	VerifiedAt   time.Time
}

// PeerClient runs the initiator half of the protocol.
type PeerClient struct {
	self       Signer
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a PeerClient.
type ClientOption func(*PeerClient)

// WithHTTPClient sets the transport, typically one built from the agent's
// mTLS client configuration.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *PeerClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *PeerClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewPeerClient returns a client that authenticates as self.
func NewPeerClient(self Signer, opts ...ClientOption) *PeerClient {
	c := &PeerClient{
		self:       self,
		httpClient: &http.Client{Timeout: defaultClientTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate proves this agent's DID to the agent at baseURL: it
// exchanges documents, answers a challenge and returns the peer's
// document. The peer's document is checked to match its DID.
func (c *PeerClient) Authenticate(ctx context.Context, baseURL string) (*PeerSession, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	var exch ExchangeResponse
	if err := c.post(ctx, baseURL, PathExchangeDID, ExchangeRequest{
		DID:         c.self.DID(),
		DIDDocument: c.self.Document(),
	}, &exch); err != nil {
		return nil, err
	}
	if exch.DIDDocument.ID != exch.DID {
		return nil, fmt.Errorf("%w: id %q, did %q", ErrPeerDocument, exch.DIDDocument.ID, exch.DID)
	}
	if err := exch.DIDDocument.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerDocument, err)
	}

	var ch ChallengeResponse
	if err := c.post(ctx, baseURL, PathChallenge, ChallengeRequest{DID: c.self.DID()}, &ch); err != nil {
		return nil, err
	}
	sig, err := c.self.Sign([]byte(ch.Challenge))
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	var res ChallengeResult
	if err := c.post(ctx, baseURL, PathChallengeResponse, ChallengeAnswer{
		ChallengeID: ch.ChallengeID,
		DID:         c.self.DID(),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}, &res); err != nil {
		return nil, err
	}
	if !res.Verified {
		return nil, ErrPeerRejected
	}

	c.logger.Info("Authenticated to peer",
		zap.String("peer_did", exch.DID),
		zap.String("peer_url", baseURL))
	return &PeerSession{
		PeerDID:      exch.DID,
		PeerDocument: exch.DIDDocument,
		VerifiedAt:   res.Timestamp,
	}, nil
}

// VerifyConnection asks the peer whether it considers this agent verified,
// optionally binding certPEM.
func (c *PeerClient) VerifyConnection(ctx context.Context, baseURL string, certPEM []byte) (bool, error) {
	var out VerifyConnectionResponse
	err := c.post(ctx, strings.TrimRight(baseURL, "/"), PathVerifyConnection, VerifyConnectionRequest{
		DID:         c.self.DID(),
		Certificate: string(certPEM),
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Verified, nil
}

// NewRequest builds a request carrying this agent's DID in the
// Authorization header, for routes behind a peer's trust gate.
func (c *PeerClient) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", trustgate.AuthorizationHeader(c.self.DID()))
	req.Header.Set("User-Agent", clientUserAgent)
	return req, nil
}

// Do sends req with the client's transport.
func (c *PeerClient) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

func (c *PeerClient) post(ctx context.Context, baseURL, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.NewRequest(ctx, http.MethodPost, baseURL+Prefix+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponse))
	if err != nil {
		return fmt.Errorf("peer %s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Path: path, StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil {
			se.Code = e.Error
		}
		return se
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("peer %s: decode response: %w", path, err)
	}
	return nil
}
