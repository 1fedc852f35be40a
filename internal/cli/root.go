package cli

import (
	"fmt"
	"strings"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/daemon"
	"github.com/harun/chatgate/internal/logger"
	"github.com/spf13/cobra"
)

var version = daemon.Version

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "chatgate - chat channel gateway for agents",
	Long: `chatgate connects enterprise chat platforms (WeCom, DingTalk and signed
webhooks) to agents through an authenticated agent bridge. It verifies and
decrypts platform webhooks, enforces DM pairing and allow-lists, and delivers
agent replies back through each platform.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatgate/chatgate.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, loader, nil
}

// newLogger builds the process logger from the config, letting --log-level
// win over the configured level when it was set explicitly.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*logger.Logger, error) {
	lc := logger.DefaultConfig()
	if cfg.Logging.Level != "" {
		lc.Level = cfg.Logging.Level
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		lc.Level = strings.ToLower(logLevel)
	}
	lc.File = cfg.Logging.File
	lc.Pretty = cfg.Logging.Pretty
	lc.Redaction = cfg.Logging.Redaction
	if cfg.Logging.MaxSize > 0 {
		lc.MaxSize = cfg.Logging.MaxSize
	}
	if cfg.Logging.MaxAge > 0 {
		lc.MaxAge = cfg.Logging.MaxAge
	}
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress
	lc.Out = cmd.ErrOrStderr()
	return logger.New(lc)
}
