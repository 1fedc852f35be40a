package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand_RefusesWhenRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)
	// The test process itself stands in for a live daemon.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatgate.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

	_, err := runCLI(t, "start", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStartCommand_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, map[string]interface{}{
		"bridge": map[string]interface{}{"enabled": true, "path": "/agent"},
	})

	_, err := runCLI(t, "start", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared_secret")
}
