package cli

import (
	"context"
	"strings"
	"time"

	"github.com/harun/chatgate/pkg/channels"
	"github.com/spf13/cobra"
)

var (
	sendAccount string
	sendMedia   string
	sendReplyTo string
)

var sendCmd = &cobra.Command{
	Use:   "send <channel> <to> <text...>",
	Short: "Send a message through a running channel account",
	Long: `Send a proactive message through the running daemon. The text is split
into chunks that fit the channel's message size limit.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAccount, "account", "", "account id (default account when empty)")
	sendCmd.Flags().StringVar(&sendMedia, "media", "", "media URL to attach")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "platform message id to reply to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	params := map[string]interface{}{
		"channel": strings.ToLower(args[0]),
		"to":      args[1],
		"text":    strings.Join(args[2:], " "),
	}
	if sendAccount != "" {
		params["accountId"] = sendAccount
	}
	if sendMedia != "" {
		params["mediaUrl"] = sendMedia
	}
	if sendReplyTo != "" {
		params["replyToId"] = sendReplyTo
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var out struct {
		Results []channels.DeliveryResult `json:"results"`
	}
	if err := newDaemonClient(cfg).call(ctx, "channel.send", params, &out); err != nil {
		return err
	}
	for _, r := range out.Results {
		cmd.Printf("Delivered to %s (message %s)\n", r.ChatID, r.MessageID)
	}
	return nil
}
