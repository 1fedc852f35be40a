package cli

import (
	"fmt"

	"github.com/harun/chatgate/internal/daemon"
	"github.com/spf13/cobra"
)

var watchConfig bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chatgate daemon",
	Long: `Start the chatgate daemon in the foreground.
The daemon serves platform webhooks, runs long-lived channel connections and
hosts the agent bridge until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload channel accounts when the config file changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, loader, log, daemon.WithConfigWatch(watchConfig))
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	cmd.Printf("chatgate listening on %s (config: %s)\n", d.Addr(), loader.Path())
	d.Wait()
	return nil
}
