package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/chatgate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand_WritesAccount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatgate.json")

	cmd := GetRootCmd()
	resetFlags(cmd)
	input := strings.Join([]string{
		"signedhook",  // channel
		"ops",         // account id
		"allowlist",   // dm policy
		"hook-secret", // shared secret
		"/ops",        // webhook path
		"",            // callback url
	}, "\n") + "\n"
	cmd.SetIn(strings.NewReader(input))
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetArgs([]string{"configure", "--config", path})
	t.Cleanup(func() { cmd.SetIn(nil) })

	require.NoError(t, cmd.Execute())
	assert.Contains(t, output.String(), "Configuration saved to")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	acct, ok := cfg.Channels.SignedHook.Account("ops")
	require.True(t, ok)
	assert.Equal(t, "hook-secret", acct.Secret)
	assert.Equal(t, "/ops", acct.WebhookPath)
	assert.Equal(t, "allowlist", acct.DMPolicy)
	assert.NotEmpty(t, cfg.Bridge.SharedSecret)
}
