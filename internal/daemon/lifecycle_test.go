package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDLock_AcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	lock := NewPIDLock(dir, zerolog.Nop())
	assert.Equal(t, filepath.Join(dir, PIDFileName), lock.Path())

	require.NoError(t, lock.Acquire())
	assert.True(t, IsRunning(lock.Path()))
	pid, err := ReadPID(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, lock.Path())
	assert.False(t, IsRunning(lock.Path()))
	assert.NoError(t, lock.Release(), "release is idempotent")
}

func TestPIDLock_ReplacesStaleFile(t *testing.T) {
	dir := t.TempDir()
	// PIDs are positive; -1 never names a live process.
	require.NoError(t, os.WriteFile(PIDFilePath(dir), []byte("-1"), 0644))

	lock := NewPIDLock(dir, zerolog.Nop())
	require.NoError(t, lock.Acquire())
	defer lock.Release()

	pid, err := ReadPID(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDLock_RefusesLiveOwner(t *testing.T) {
	dir := t.TempDir()
	lock := NewPIDLock(dir, zerolog.Nop())
	// Pretend another process took the lock: our parent is alive for the
	// duration of the test.
	lock.pid = os.Getppid()
	require.NoError(t, lock.Acquire())

	other := NewPIDLock(dir, zerolog.Nop())
	assert.ErrorIs(t, other.Acquire(), ErrAlreadyRunning)

	// Release by a non-owner leaves the file in place.
	require.NoError(t, other.Release())
	assert.FileExists(t, lock.Path())
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.pid")
	require.NoError(t, os.WriteFile(invalid, []byte("invalid"), 0644))
	_, err = ReadPID(invalid)
	assert.Error(t, err)
	assert.False(t, IsRunning(invalid))

	ok := filepath.Join(dir, "ok.pid")
	require.NoError(t, os.WriteFile(ok, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	pid, err := ReadPID(ok)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
