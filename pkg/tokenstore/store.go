// Package tokenstore caches CA verification tokens by certificate
// fingerprint.
//
// A token is "expiring soon" once less than a quarter of its original
// lifetime remains, the same proportional rule the certificate lifecycle
// uses for renewal. Callers re-verify expiring tokens and treat hard-expired
// ones as authentication failures.
//
// The in-memory map is authoritative. An optional Persister snapshots it so
// a restarted agent can skip a round trip to the CA.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/metrics"
)

var (
	// ErrToken is the base of token errors.
	ErrToken = errors.New("token error")

	// ErrTokenExpired is returned by Get for an entry past its expiry.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrToken)

	// ErrNotFound is returned by Get when no token is cached.
	ErrNotFound = errors.New("token not found")
)

// Entry is one cached verification token.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Token       string    `json:"token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TTL is the entry's original lifetime.
func (e Entry) TTL() time.Duration { return e.ExpiresAt.Sub(e.IssuedAt) }

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// ExpiringSoon reports whether less than 25% of the original lifetime
// remains at now.
func (e Entry) ExpiringSoon(now time.Time) bool {
	return ExpiringSoon(e.IssuedAt, e.ExpiresAt, now)
}

// ExpiringSoon implements the proportional rule: remaining < total/4.
// A zero or negative window always counts as expiring.
func ExpiringSoon(start, end, now time.Time) bool {
	total := end.Sub(start)
	if total <= 0 {
		return true
	}
	remaining := end.Sub(now)
	return 4*remaining < total
}

// Store is a concurrency-safe token cache.
type Store struct {
	mu        sync.Mutex
	entries   map[string]Entry
	dirty     bool
	now       func() time.Time
	persister Persister
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPersister enables Load and Flush.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store caches token for fingerprint until expiresAt, replacing any
// previous entry. The entry's lifetime starts now.
func (s *Store) Store(fingerprint, token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = Entry{
		Fingerprint: fingerprint,
		Token:       token,
		IssuedAt:    s.now(),
		ExpiresAt:   expiresAt,
	}
	s.dirty = true
}

// Get returns the cached token and whether it is expiring soon. A missing
// entry yields ErrNotFound; an expired one is removed and yields
// ErrTokenExpired.
func (s *Store) Get(fingerprint string) (token string, expiringSoon bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if !ok {
		s.metrics.TokenLookup(metrics.ResultMiss)
		return "", false, ErrNotFound
	}
	now := s.now()
	if e.Expired(now) {
		delete(s.entries, fingerprint)
		s.dirty = true
		s.metrics.TokenLookup(metrics.ResultExpired)
		return "", false, ErrTokenExpired
	}
	s.metrics.TokenLookup(metrics.ResultHit)
	return e.Token, e.ExpiringSoon(now), nil
}

// Lookup returns the raw entry without expiry handling.
func (s *Store) Lookup(fingerprint string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fingerprint]
	return e, ok
}

// Remove deletes the entry for fingerprint, if any.
func (s *Store) Remove(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fingerprint]; ok {
		delete(s.entries, fingerprint)
		s.dirty = true
	}
}

// SweepExpired drops every expired entry and returns how many were removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for fp, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, fp)
			n++
		}
	}
	if n > 0 {
		s.dirty = true
	}
	return n
}

// Len returns the number of cached entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns the entries sorted by fingerprint.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Load replaces the in-memory entries with the persisted snapshot, dropping
// expired ones. A corrupt snapshot is logged and treated as empty.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	loaded, err := s.persister.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorruptSnapshot) {
			return fmt.Errorf("load token cache: %w", err)
		}
		s.logger.Warn("Token cache is corrupt, starting empty", zap.Error(err))
		loaded = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries = make(map[string]Entry, len(loaded))
	for _, e := range loaded {
		if e.Fingerprint == "" || e.Token == "" || e.Expired(now) {
			continue
		}
		s.entries[e.Fingerprint] = e
	}
	// Rewrite on the next flush if anything was dropped or the file was bad.
	s.dirty = err != nil || len(s.entries) != len(loaded)
	s.logger.Debug("Loaded token cache", zap.Int("entries", len(s.entries)))
	return nil
}

// Flush writes the current entries to the persister if they changed since
// the last flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.persister.Save(ctx, snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("flush token cache: %w", err)
	}
	return nil
}
