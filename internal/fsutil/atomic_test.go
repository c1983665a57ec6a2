package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_ReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cert.pem")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pem")

	require.NoError(t, WriteFileAtomic(path, []byte("data"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "key.pem", entries[0].Name())
}

func TestCreateExclusive_FailsWhenPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	require.NoError(t, CreateExclusive(path, []byte("winner"), 0o600))

	err := CreateExclusive(path, []byte("loser"), 0o600)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "winner", string(got))
}

func TestCreateExclusive_ConcurrentWritersHaveOneWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := CreateExclusive(path, []byte("content"), 0o600); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, Exists(dir))
	assert.False(t, Exists(filepath.Join(dir, "missing")))
}
