package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/didmesh/internal/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestExpiringSoonBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(100 * time.Second)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "fresh", at: start, want: false},
		{name: "just above quarter", at: start.Add(75*time.Second - time.Nanosecond), want: false},
		{name: "exactly quarter remaining", at: start.Add(75 * time.Second), want: false},
		{name: "just below quarter", at: start.Add(75*time.Second + time.Nanosecond), want: true},
		{name: "at expiry", at: end, want: true},
		{name: "after expiry", at: end.Add(time.Hour), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpiringSoon(start, end, tt.at))
		})
	}

	assert.True(t, ExpiringSoon(start, start, start), "empty window")
	assert.True(t, ExpiringSoon(end, start, start), "inverted window")
}

func TestStoreGet(t *testing.T) {
	clock := newFakeClock()
	m := metrics.New()
	s := New(WithClock(clock.Now), WithMetrics(m))

	_, _, err := s.Get("fp-1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTokenExpired)

	s.Store("fp-1", "tok-1", clock.Now().Add(100*time.Second))

	tok, soon, err := s.Get("fp-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.False(t, soon)

	clock.Advance(75 * time.Second)
	_, soon, err = s.Get("fp-1")
	require.NoError(t, err)
	assert.False(t, soon, "exactly 25% remaining is not expiring soon")

	clock.Advance(time.Second)
	tok, soon, err = s.Get("fp-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.True(t, soon)

	clock.Advance(24 * time.Second)
	_, _, err = s.Get("fp-1")
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrToken)
	assert.Equal(t, 0, s.Len(), "expired entry is reclaimed on read")

	_, _, err = s.Get("fp-1")
	assert.ErrorIs(t, err, ErrNotFound)

	const want = `
# HELP didmesh_token_cache_lookups_total Verification token cache lookups, by result.
# TYPE didmesh_token_cache_lookups_total counter
didmesh_token_cache_lookups_total{result="expired"} 1
didmesh_token_cache_lookups_total{result="hit"} 3
didmesh_token_cache_lookups_total{result="miss"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "didmesh_token_cache_lookups_total"))
}

func TestStoreReplaceResetsWindow(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Store("fp", "old", clock.Now().Add(time.Hour))
	clock.Advance(50 * time.Minute)
	_, soon, err := s.Get("fp")
	require.NoError(t, err)
	require.True(t, soon)

	s.Store("fp", "new", clock.Now().Add(time.Hour))
	tok, soon, err := s.Get("fp")
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
	assert.False(t, soon)
}

func TestRemoveAndSweep(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Store("a", "1", clock.Now().Add(time.Minute))
	s.Store("b", "2", clock.Now().Add(time.Hour))
	s.Store("c", "3", clock.Now().Add(2*time.Minute))
	s.Remove("b")
	s.Remove("missing")
	assert.Equal(t, 2, s.Len())

	clock.Advance(90 * time.Second)
	assert.Equal(t, 1, s.SweepExpired())
	assert.Equal(t, 0, s.SweepExpired())

	_, ok := s.Lookup("c")
	assert.True(t, ok)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New()
	exp := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := string(rune('a' + i%4))
			for range 200 {
				s.Store(fp, "t", exp)
				_, _, _ = s.Get(fp)
				s.SweepExpired()
				if i%5 == 0 {
					s.Remove(fp)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 4)
}

func TestFilePersisterRoundTrip(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "cache", "tokens.json")
	s := New(WithClock(clock.Now), WithPersister(NewFilePersister(path)))

	require.NoError(t, s.Load(context.Background()), "missing file is empty")
	s.Store("live", "tok-live", clock.Now().Add(time.Hour))
	s.Store("short", "tok-short", clock.Now().Add(time.Minute))
	require.NoError(t, s.Flush(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	clock.Advance(2 * time.Minute)
	restored := New(WithClock(clock.Now), WithPersister(NewFilePersister(path)))
	require.NoError(t, restored.Load(context.Background()))
	assert.Equal(t, 1, restored.Len(), "expired entries are dropped on load")

	tok, _, err := restored.Get("live")
	require.NoError(t, err)
	assert.Equal(t, "tok-live", tok)

	// IssuedAt survives so the proportional window is unchanged.
	e, ok := restored.Lookup("live")
	require.True(t, ok)
	assert.Equal(t, time.Hour, e.TTL())
}

func TestLoadSelfHealsCorruptFile(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":       "{{{not json",
		"wrong version": `{"version":99,"tokens":[]}`,
		"truncated":     `{"version":1,"tokens":[{"fingerprint":"a"`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tokens.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			s := New(WithPersister(NewFilePersister(path)))
			require.NoError(t, s.Load(context.Background()))
			assert.Equal(t, 0, s.Len())

			// The next flush replaces the corrupt file with a valid snapshot.
			require.NoError(t, s.Flush(context.Background()))
			entries, err := NewFilePersister(path).Load(context.Background())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	p := &countingPersister{}
	s := New(WithPersister(p))

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, p.saves)

	s.Store("a", "t", time.Now().Add(time.Hour))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, p.saves)
}

type countingPersister struct {
	saves int
}

func (p *countingPersister) Load(context.Context) ([]Entry, error) { return nil, nil }

func (p *countingPersister) Save(context.Context, []Entry) error {
	p.saves++
	return nil
}
