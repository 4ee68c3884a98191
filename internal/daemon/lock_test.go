package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "daemon.lock")

		l, err := AcquireLock(path)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEmpty(t, data, "lockfile records the holder pid")

		l.Release()
		assert.NoFileExists(t, path)
	})

	t.Run("second acquire is refused", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "daemon.lock")

		l, err := AcquireLock(path)
		require.NoError(t, err)
		defer l.Release()

		_, err = AcquireLock(path)
		assert.ErrorIs(t, err, ErrAlreadyLocked)
	})

	t.Run("release frees the lock for the next daemon", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "daemon.lock")

		l, err := AcquireLock(path)
		require.NoError(t, err)
		l.Release()

		l2, err := AcquireLock(path)
		require.NoError(t, err)
		l2.Release()
	})

	t.Run("creates lock directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "daemon.lock")

		l, err := AcquireLock(path)
		require.NoError(t, err)
		l.Release()
	})
}

func TestLockHeldByLiveDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	assert.False(t, LockHeldByLiveDaemon(path), "no lockfile means no daemon")

	l, err := AcquireLock(path)
	require.NoError(t, err)
	assert.True(t, LockHeldByLiveDaemon(path))
	l.Release()

	// A stale lockfile outside the heartbeat window does not count.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0600))
	old := time.Now().Add(-2 * lockStaleWindow)
	require.NoError(t, os.Chtimes(path, old, old))
	assert.False(t, LockHeldByLiveDaemon(path))
}
