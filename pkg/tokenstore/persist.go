package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sufield/didmesh/internal/fsutil"
)

// ErrCorruptSnapshot marks persisted data that cannot be decoded.
var ErrCorruptSnapshot = errors.New("corrupt token cache snapshot")

const snapshotVersion = 1

// Persister stores whole-cache snapshots. Save must be all-or-nothing.
type Persister interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
}

type snapshot struct {
	Version int     `json:"version"`
	Tokens  []Entry `json:"tokens"`
}

func encodeSnapshot(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(snapshot{Version: snapshotVersion, Tokens: entries})
}

func decodeSnapshot(data []byte) ([]Entry, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	return snap.Tokens, nil
}

// FilePersister keeps the snapshot in a JSON file replaced atomically.
type FilePersister struct {
	path string
}

var _ Persister = (*FilePersister)(nil)

// NewFilePersister stores snapshots at path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Load reads the snapshot. A missing file is an empty cache.
func (p *FilePersister) Load(context.Context) ([]Entry, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot via temp file and rename.
func (p *FilePersister) Save(_ context.Context, entries []Entry) error {
	data, err := encodeSnapshot(entries)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(filepath.Dir(p.path)); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p.path, data, 0o600)
}

// RedisPersister keeps the snapshot under a single Redis key. A single SET
// replaces the whole value, so readers never see a partial snapshot.
type RedisPersister struct {
	client redis.Cmdable
	key    string
	now    func() time.Time
}

var _ Persister = (*RedisPersister)(nil)

// DefaultRedisKey is used when no key is configured.
const DefaultRedisKey = "didmesh:tokens"

// NewRedisPersister stores snapshots under key using client.
func NewRedisPersister(client redis.Cmdable, key string) *RedisPersister {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisPersister{client: client, key: key, now: time.Now}
}

// Load reads the snapshot. A missing key is an empty cache.
func (p *RedisPersister) Load(ctx context.Context) ([]Entry, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}
	return decodeSnapshot(data)
}

// Save replaces the snapshot. The key expires with the longest-lived token.
func (p *RedisPersister) Save(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		if err := p.client.Del(ctx, p.key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", p.key, err)
		}
		return nil
	}
	data, err := encodeSnapshot(entries)
	if err != nil {
		return err
	}
	var ttl time.Duration
	now := p.now()
	for _, e := range entries {
		if d := e.ExpiresAt.Sub(now); d > ttl {
			ttl = d
		}
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := p.client.Set(ctx, p.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.key, err)
	}
	return nil
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
