// Package challenge implements the DID exchange and challenge-response
// protocol agents run before trusting each other.
//
// Per peer DID the authenticator moves through
//
//	Unknown -> DocumentKnown -> ChallengePending -> Verified
//
// A peer first sends its DID document, then receives a random nonce, then
// proves possession of the document's authentication key by signing that
// nonce. A verified peer stays verified for the verified TTL and must then
// repeat the challenge. Challenges are single use and never persisted.
package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/metrics"
	"github.com/sufield/didmesh/pkg/did"
)

const (
	DefaultChallengeTTL      = 60 * time.Second
	DefaultVerifiedTTL       = 24 * time.Hour
	DefaultDocumentCacheSize = 1024
	DefaultDocumentCacheTTL  = 24 * time.Hour
	DefaultMaxPending        = 10000

	// NonceSize is the number of random bytes in a nonce before encoding.
	NonceSize = 32
)

const (
	metricStageExchange = "exchange"
	metricStageIssue    = "issue"
	metricStageVerify   = "verify"
)

var (
	// ErrDIDMismatch means a peer sent a document whose id is not its DID.
	ErrDIDMismatch = errors.New("challenge: document id does not match peer DID")

	// ErrTooManyChallenges is returned when the pending challenge table is full.
	ErrTooManyChallenges = errors.New("challenge: too many pending challenges")
)

// State is the protocol state of one peer DID.
type State int

const (
	StateUnknown State = iota
	StateDocumentKnown
	StateChallengePending
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateDocumentKnown:
		return "DOCUMENT_KNOWN"
	case StateChallengePending:
		return "CHALLENGE_PENDING"
	case StateVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// Challenge is one outstanding nonce.
type Challenge struct {
	ID        string
	PeerDID   string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn is the challenge lifetime as granted at issue time.
func (c Challenge) ExpiresIn() time.Duration { return c.ExpiresAt.Sub(c.IssuedAt) }

// LocalIdentity supplies the document returned to peers during exchange.
// *did.Identity implements it.
type LocalIdentity interface {
	DID() string
	Document() did.Document
}

// Authenticator holds the per-peer protocol state of one agent.
type Authenticator struct {
	self         LocalIdentity
	now          func() time.Time
	challengeTTL time.Duration
	verifiedTTL  time.Duration
	maxPending   int
	cacheSize    int
	cacheTTL     time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	documents *expirable.LRU[string, did.Document]

	mu         sync.Mutex
	challenges map[string]Challenge
	verified   map[string]time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces time.Now for challenge and verification expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithChallengeTTL sets how long an issued nonce can be answered.
func WithChallengeTTL(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.challengeTTL = d
		}
	}
}

// WithVerifiedTTL sets how long a successful response keeps a peer verified.
func WithVerifiedTTL(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.verifiedTTL = d
		}
	}
}

// WithDocumentCache bounds the peer document cache.
func WithDocumentCache(size int, ttl time.Duration) Option {
	return func(a *Authenticator) {
		if size > 0 {
			a.cacheSize = size
		}
		if ttl > 0 {
			a.cacheTTL = ttl
		}
	}
}

// WithMaxPending caps the number of outstanding challenges.
func WithMaxPending(n int) Option {
	return func(a *Authenticator) {
		if n > 0 {
			a.maxPending = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// New returns an Authenticator answering exchanges with self's document.
func New(self LocalIdentity, opts ...Option) (*Authenticator, error) {
	if self == nil {
		return nil, errors.New("challenge: local identity is required")
	}
	a := &Authenticator{
		self:         self,
		now:          time.Now,
		challengeTTL: DefaultChallengeTTL,
		verifiedTTL:  DefaultVerifiedTTL,
		maxPending:   DefaultMaxPending,
		cacheSize:    DefaultDocumentCacheSize,
		cacheTTL:     DefaultDocumentCacheTTL,
		logger:       zap.NewNop(),
		challenges:   make(map[string]Challenge),
		verified:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.documents = expirable.NewLRU[string, did.Document](a.cacheSize, nil, a.cacheTTL)
	return a, nil
}

// ExchangeDID caches peerDoc for peerDID and returns this agent's document.
// The document must be well formed and its id must equal peerDID.
func (a *Authenticator) ExchangeDID(peerDID string, peerDoc did.Document) (did.Document, error) {
	if peerDoc.ID != peerDID {
		a.metrics.Challenge(metricStageExchange, metrics.ResultFailure)
		return did.Document{}, fmt.Errorf("%w: got %q for %q", ErrDIDMismatch, peerDoc.ID, peerDID)
	}
	if err := peerDoc.Validate(); err != nil {
		a.metrics.Challenge(metricStageExchange, metrics.ResultFailure)
		return did.Document{}, err
	}
	a.documents.Add(peerDID, peerDoc.Clone())
	a.metrics.Challenge(metricStageExchange, metrics.ResultSuccess)
	a.logger.Debug("Cached peer DID document", zap.String("peer_did", peerDID))
	return a.self.Document(), nil
}

// PeerDocument returns the cached document for peerDID.
func (a *Authenticator) PeerDocument(peerDID string) (did.Document, bool) {
	doc, ok := a.documents.Get(peerDID)
	if !ok {
		return did.Document{}, false
	}
	return doc.Clone(), true
}

// LocalDocument returns this agent's document.
func (a *Authenticator) LocalDocument() did.Document { return a.self.Document() }

// IssueChallenge creates a fresh nonce for peerDID.
func (a *Authenticator) IssueChallenge(peerDID string) (Challenge, error) {
	if _, err := did.Parse(peerDID); err != nil {
		a.metrics.Challenge(metricStageIssue, metrics.ResultFailure)
		return Challenge{}, err
	}
	nonce, err := newNonce()
	if err != nil {
		a.metrics.Challenge(metricStageIssue, metrics.ResultFailure)
		return Challenge{}, err
	}

	now := a.now()
	c := Challenge{
		ID:        uuid.NewString(),
		PeerDID:   peerDID,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.challengeTTL),
	}

	a.mu.Lock()
	if len(a.challenges) >= a.maxPending {
		a.sweepLocked(now)
	}
	if len(a.challenges) >= a.maxPending {
		a.mu.Unlock()
		a.metrics.Challenge(metricStageIssue, metrics.ResultFailure)
		return Challenge{}, ErrTooManyChallenges
	}
	a.challenges[c.ID] = c
	a.mu.Unlock()

	a.metrics.Challenge(metricStageIssue, metrics.ResultSuccess)
	a.logger.Debug("Issued challenge",
		zap.String("peer_did", peerDID),
		zap.String("challenge_id", c.ID),
		zap.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// VerifyChallengeResponse checks signature over the nonce of challenge id.
// The challenge is consumed whatever the outcome, and every failure looks
// the same to the caller.
func (a *Authenticator) VerifyChallengeResponse(id, peerDID string, signature []byte) bool {
	now := a.now()

	a.mu.Lock()
	c, ok := a.challenges[id]
	delete(a.challenges, id)
	a.mu.Unlock()

	reason := ""
	switch {
	case !ok:
		reason = "unknown challenge"
	case !now.Before(c.ExpiresAt):
		reason = "challenge expired"
	case c.PeerDID != peerDID:
		reason = "challenge issued to another DID"
	}
	if reason == "" {
		reason = a.checkSignature(c, signature)
	}
	if reason != "" {
		a.metrics.Challenge(metricStageVerify, metrics.ResultFailure)
		a.logger.Debug("Challenge response rejected",
			zap.String("peer_did", peerDID),
			zap.String("challenge_id", id),
			zap.String("reason", reason))
		return false
	}

	a.mu.Lock()
	a.verified[peerDID] = now
	n := a.liveVerifiedLocked(now)
	a.mu.Unlock()

	a.metrics.Challenge(metricStageVerify, metrics.ResultSuccess)
	a.metrics.SetVerifiedPeers(n)
	a.logger.Info("Peer verified", zap.String("peer_did", peerDID))
	return true
}

func (a *Authenticator) checkSignature(c Challenge, signature []byte) string {
	doc, ok := a.documents.Get(c.PeerDID)
	if !ok {
		return "no cached document"
	}
	vm, err := doc.AuthenticationMethod()
	if err != nil {
		return "no verification method"
	}
	if !did.Verify([]byte(c.Nonce), signature, vm) {
		return "bad signature"
	}
	return ""
}

// IsVerified reports whether peerDID completed a challenge within the
// verified TTL.
func (a *Authenticator) IsVerified(peerDID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isVerifiedLocked(peerDID, a.now())
}

func (a *Authenticator) isVerifiedLocked(peerDID string, now time.Time) bool {
	at, ok := a.verified[peerDID]
	return ok && now.Before(at.Add(a.verifiedTTL))
}

// VerifiedAt returns when peerDID was last verified, if that is still live.
func (a *Authenticator) VerifiedAt(peerDID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isVerifiedLocked(peerDID, a.now()) {
		return time.Time{}, false
	}
	return a.verified[peerDID], true
}

// State reports where peerDID is in the protocol.
func (a *Authenticator) State(peerDID string) State {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isVerifiedLocked(peerDID, now) {
		return StateVerified
	}
	for _, c := range a.challenges {
		if c.PeerDID == peerDID && now.Before(c.ExpiresAt) {
			return StateChallengePending
		}
	}
	if a.documents.Contains(peerDID) {
		return StateDocumentKnown
	}
	return StateUnknown
}

// Revoke forgets that peerDID was verified and drops its pending
// challenges. The cached document is kept.
func (a *Authenticator) Revoke(peerDID string) bool {
	a.mu.Lock()
	_, was := a.verified[peerDID]
	delete(a.verified, peerDID)
	for id, c := range a.challenges {
		if c.PeerDID == peerDID {
			delete(a.challenges, id)
		}
	}
	n := a.liveVerifiedLocked(a.now())
	a.mu.Unlock()

	a.metrics.SetVerifiedPeers(n)
	if was {
		a.logger.Info("Peer verification revoked", zap.String("peer_did", peerDID))
	}
	return was
}

// SweepExpired drops expired challenges and verifications and returns how
// many entries were removed.
func (a *Authenticator) SweepExpired() int {
	now := a.now()
	a.mu.Lock()
	removed := a.sweepLocked(now)
	n := len(a.verified)
	a.mu.Unlock()
	a.metrics.SetVerifiedPeers(n)
	return removed
}

func (a *Authenticator) sweepLocked(now time.Time) int {
	removed := 0
	for id, c := range a.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(a.challenges, id)
			removed++
		}
	}
	for peer, at := range a.verified {
		if !now.Before(at.Add(a.verifiedTTL)) {
			delete(a.verified, peer)
			removed++
		}
	}
	return removed
}

func (a *Authenticator) liveVerifiedLocked(now time.Time) int {
	n := 0
	for _, at := range a.verified {
		if now.Before(at.Add(a.verifiedTTL)) {
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding challenges, expired ones
// included until the next sweep.
func (a *Authenticator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.challenges)
}

func newNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("challenge: generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
