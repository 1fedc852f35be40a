package cli

import (
	"fmt"

	"github.com/harun/chatgate/internal/config"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to add a channel account.
The wizard asks for the platform credentials and DM policy, then writes the
account into the config file. A bridge shared secret is generated when none
is set.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())
	if err := wizard.Run(cfg); err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if cfg.Bridge.Enabled && cfg.Bridge.SharedSecret == "" {
		secret, err := gonanoid.New(32)
		if err != nil {
			return fmt.Errorf("failed to generate bridge secret: %w", err)
		}
		cfg.Bridge.SharedSecret = secret
		cmd.Println("Generated a bridge shared secret (bridge.shared_secret).")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("\nConfiguration saved to: %s\n", loader.Path())
	cmd.Println("\nYou can now start the gateway with: chatgate start")
	return nil
}
