package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Version(t *testing.T) {
	out, err := runCLI(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "chatgate version "+GetVersion())
	assert.True(t, strings.HasPrefix(GetVersion(), "0."))
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	flags := GetRootCmd().PersistentFlags()

	cfg := flags.Lookup("config")
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.DefValue)

	level := flags.Lookup("log-level")
	require.NotNil(t, level)
	assert.Equal(t, "info", level.DefValue)
}

func TestCommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{nil, []string{"agent bridge", "start", "stop", "status", "pairing", "configure", "send", "config"}},
		{[]string{"start"}, []string{"Start the chatgate daemon", "--watch"}},
		{[]string{"stop"}, []string{"Stop the chatgate daemon gracefully", "--timeout"}},
		{[]string{"status"}, []string{"status"}},
		{[]string{"pairing"}, []string{"list", "approve", "reject"}},
		{[]string{"send"}, []string{"--account", "--media", "--reply-to"}},
		{[]string{"config"}, []string{"validate", "path"}},
	}

	for _, tt := range tests {
		name := strings.Join(tt.args, " ")
		if name == "" {
			name = "root"
		}
		t.Run(name, func(t *testing.T) {
			out, err := runCLI(t, append(tt.args, "--help")...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}
