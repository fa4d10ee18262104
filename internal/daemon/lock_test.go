package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/errors"
)

func TestFileLock_ExcludesSecondHolder(t *testing.T) {
	// Given: a data directory locked by one server
	path := filepath.Join(t.TempDir(), "data", "vectorsync.lock")
	first := NewFileLock(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	// When: a second server tries to take it
	second := NewFileLock(path)
	err := second.Acquire()

	// Then: it is refused with a fatal error
	assert.Equal(t, errors.ErrCodeDataDirLocked, errors.GetCode(err))
	assert.True(t, errors.IsFatal(err))
	assert.False(t, second.IsLocked())
}

func TestFileLock_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectorsync.lock")
	first := NewFileLock(path)
	require.NoError(t, first.Acquire())
	assert.True(t, first.IsLocked())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "releasing twice is fine")

	second := NewFileLock(path)
	require.NoError(t, second.Acquire())
	assert.NoError(t, second.Release())
	assert.Equal(t, path, second.Path())
}
