package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommands(t *testing.T) {
	t.Run("path", func(t *testing.T) {
		path := writeTestConfig(t, t.TempDir())

		out, err := runCLI(t, "config", "path", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)
	})

	t.Run("validate ok", func(t *testing.T) {
		path := writeTestConfig(t, t.TempDir())

		out, err := runCLI(t, "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "is valid")
	})

	t.Run("validate rejects bad policy", func(t *testing.T) {
		path := writeTestConfig(t, t.TempDir(), map[string]interface{}{
			"channels": map[string]interface{}{
				"wecom": map[string]interface{}{"dm_policy": "everyone"},
			},
		})

		_, err := runCLI(t, "config", "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dm_policy")
	})
}
