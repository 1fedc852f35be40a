package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 8790, cfg.Server.Port)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("channel accounts from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "chatgate.json")
		writeFile(t, configPath, `{
			"data_dir": "`+tmpDir+`",
			"channels": {
				"wecom": {
					"token": "base-token",
					"allow_from": ["alice"],
					"accounts": {
						"Corp-A": {"receive_id": "corp-a", "reply_fallback_ms": 900}
					}
				},
				"dingtalk": {"client_id": "ck", "client_secret": "cs", "dm_policy": "open"}
			}
		}`)

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "base-token", cfg.Channels.WeCom.Token)
		assert.Equal(t, []string{"alice"}, cfg.Channels.WeCom.AllowFrom)
		acct, ok := cfg.Channels.WeCom.Accounts["corp-a"]
		require.True(t, ok, "account ids are lower-cased")
		assert.Equal(t, "corp-a", acct.ReceiveID)
		assert.Equal(t, 900, acct.ReplyFallbackMs)
		assert.Equal(t, "open", cfg.Channels.DingTalk.DMPolicy)
	})

	t.Run("derived paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "chatgate.json")
		writeFile(t, configPath, `{"data_dir": "`+tmpDir+`", "pairing": {"store": "sqlite"}}`)

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "chatgate.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "pairing.db"), cfg.Pairing.Path)
	})

	t.Run("environment overrides secrets", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "chatgate.json")
		writeFile(t, configPath, `{"data_dir": "`+tmpDir+`"}`)
		t.Setenv("CHATGATE_CHANNELS_DINGTALK_CLIENT_SECRET", "from-env")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Channels.DingTalk.ClientSecret)
	})

	t.Run("invalid json", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "chatgate.json")
		writeFile(t, configPath, `{not json`)

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "chatgate.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Channels.SignedHook.Secret = "s3cret"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", loaded.Channels.SignedHook.Secret)

	entries, err := os.ReadDir(filepath.Dir(configPath))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestNewLoaderDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, ".chatgate", "chatgate.json"), NewLoader("").Path())
}

func TestAppendAllowFrom(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "chatgate.json")
	writeFile(t, configPath, `{"data_dir": "`+tmpDir+`", "channels": {"wecom": {"accounts": {"corp": {"allow_from": ["alice"]}}}}}`)
	loader := NewLoader(configPath)

	changed, err := loader.AppendAllowFrom("channels.wecom.accounts.corp.allow_from", "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = loader.AppendAllowFrom("channels.wecom.accounts.corp.allow_from", "BOB")
	require.NoError(t, err)
	assert.False(t, changed)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Channels.WeCom.Accounts["corp"].AllowFrom)

	_, err = loader.AppendAllowFrom("", "x")
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "chatgate.json")
	writeFile(t, configPath, `{"data_dir": "`+tmpDir+`"}`)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(configPath), func(cfg *Config) { reloaded <- cfg }, zerolog.Nop())
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, configPath, `{"data_dir": "`+tmpDir+`", "server": {"port": 9100}}`)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9100, cfg.Server.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
