package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommand_RequiresArgs(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	_, err := runCLI(t, "send", "wecom", "alice", "--config", path)
	require.Error(t, err)
}

func TestSendCommand_WithoutBridgeSecret(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	_, err := runCLI(t, "send", "wecom", "alice", "hello", "there", "--config", path)
	assert.ErrorIs(t, err, errBridgeDisabled)
}
