package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "CHATGATE"
	configDirName  = ".chatgate"
	configFileName = "chatgate.json"
)

// envBoundKeys are bound explicitly so they resolve from the environment
// even when the file does not mention them.
var envBoundKeys = []string{
	"channels.wecom.token",
	"channels.wecom.encoding_aes_key",
	"channels.wecom.receive_id",
	"channels.dingtalk.client_id",
	"channels.dingtalk.client_secret",
	"channels.signedhook.secret",
	"bridge.shared_secret",
	"server.port",
	"data_dir",
}

// Loader reads and writes one config file.
type Loader struct {
	path string
}

// NewLoader returns a loader for path. An empty path means
// ~/.chatgate/chatgate.json.
func NewLoader(path string) *Loader {
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, configDirName, configFileName)
		}
	}
	return &Loader{path: path}
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Path returns the config file location.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file over DefaultConfig. A missing file yields the
// defaults. CHATGATE_* variables override file values, e.g.
// CHATGATE_CHANNELS_WECOM_TOKEN.
func (l *Loader) Load() (*Config, error) {
	v, err := l.read(true)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := derivePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// read loads the file into a fresh viper instance, optionally layering the
// environment on top.
func (l *Loader) read(withEnv bool) (*viper.Viper, error) {
	if l.path == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("json")
	if withEnv {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		for _, key := range envBoundKeys {
			_ = v.BindEnv(key)
		}
	}

	switch _, err := os.Stat(l.path); {
	case err == nil:
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	return v, nil
}

func derivePaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "chatgate.log")
	}
	if cfg.Pairing.Path == "" {
		name := "pairing"
		if cfg.Pairing.Store == "sqlite" {
			name = "pairing.db"
		}
		cfg.Pairing.Path = filepath.Join(cfg.DataDir, name)
	}
	return nil
}

// Save writes cfg as indented JSON, replacing the file atomically.
func (l *Loader) Save(cfg *Config) error {
	if l.path == "" {
		return fmt.Errorf("failed to resolve config path")
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	return writeJSON(l.path, cfg)
}

// writeJSON marshals doc next to path and renames it into place so readers
// such as the watcher never see a half-written file.
func writeJSON(path string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".chatgate-*.json")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
