package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a minimal config whose data directory is dir and
// returns its path.
func writeTestConfig(t *testing.T, dir string, extra ...map[string]interface{}) string {
	t.Helper()

	doc := map[string]interface{}{
		"data_dir": dir,
	}
	for _, e := range extra {
		for k, v := range e {
			doc[k] = v
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)

	path := filepath.Join(dir, "chatgate.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag in the tree to its default. The command
// tree is package state, so values parsed by one test would leak into the
// next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
