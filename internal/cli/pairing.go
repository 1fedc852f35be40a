package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/daemon"
	"github.com/harun/chatgate/pkg/pairing"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Manage channel pairing requests",
	Long: `Manage DM pairing requests. Commands go through the running daemon when
it is reachable and fall back to the pairing store on disk otherwise.`,
}

var pairingListCmd = &cobra.Command{
	Use:   "list [channel]",
	Short: "List pending pairing requests",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPairingList,
}

var pairingApproveCmd = &cobra.Command{
	Use:   "approve <channel> <code>",
	Short: "Approve a pending pairing request by code",
	Args:  cobra.ExactArgs(2),
	RunE:  runPairingApprove,
}

var pairingRejectCmd = &cobra.Command{
	Use:   "reject <channel> <code>",
	Short: "Reject a pending pairing request by code",
	Args:  cobra.ExactArgs(2),
	RunE:  runPairingReject,
}

func init() {
	pairingCmd.AddCommand(pairingListCmd)
	pairingCmd.AddCommand(pairingApproveCmd)
	pairingCmd.AddCommand(pairingRejectCmd)
	rootCmd.AddCommand(pairingCmd)
}

// pairingService is the part of the approver the commands use. The remote
// implementation forwards to the daemon over RPC.
type pairingService interface {
	ListPending(ctx context.Context, channel string) ([]pairing.Request, error)
	Approve(ctx context.Context, channel, code string) (pairing.Request, error)
	Reject(ctx context.Context, channel, code string) (pairing.Request, error)
}

type remotePairing struct {
	client *daemonClient
}

func (r remotePairing) ListPending(ctx context.Context, channel string) ([]pairing.Request, error) {
	var out struct {
		Requests []pairing.Request `json:"requests"`
	}
	err := r.client.call(ctx, "pairing.list", map[string]interface{}{"channel": channel}, &out)
	return out.Requests, err
}

func (r remotePairing) Approve(ctx context.Context, channel, code string) (pairing.Request, error) {
	return r.resolve(ctx, "pairing.approve", channel, code)
}

func (r remotePairing) Reject(ctx context.Context, channel, code string) (pairing.Request, error) {
	return r.resolve(ctx, "pairing.reject", channel, code)
}

func (r remotePairing) resolve(ctx context.Context, method, channel, code string) (pairing.Request, error) {
	var out struct {
		Request pairing.Request `json:"request"`
	}
	err := r.client.call(ctx, method, map[string]interface{}{"channel": channel, "code": code}, &out)
	return out.Request, err
}

// openPairingService returns the daemon-backed service when the daemon is
// running with its bridge, else a local approver over the pairing store.
func openPairingService() (pairingService, func(), error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if daemon.IsRunning(daemon.PIDFilePath(cfg.DataDir)) && cfg.Bridge.Enabled && cfg.Bridge.SharedSecret != "" {
		return remotePairing{client: newDaemonClient(cfg)}, func() {}, nil
	}
	return openLocalPairing(cfg, loader)
}

func openLocalPairing(cfg *config.Config, loader *config.Loader) (pairingService, func(), error) {
	plugins, err := daemon.NewPluginRegistry()
	if err != nil {
		return nil, nil, err
	}
	manager, err := daemon.OpenPairing(cfg)
	if err != nil {
		return nil, nil, err
	}
	approver := daemon.NewApprover(manager, plugins, loader, func() *config.Config { return cfg }, zerolog.Nop())
	return approver, func() { _ = manager.Close() }, nil
}

func runPairingList(cmd *cobra.Command, args []string) error {
	channel := ""
	if len(args) > 0 {
		channel = strings.ToLower(strings.TrimSpace(args[0]))
	}
	svc, closeFn, err := openPairingService()
	if err != nil {
		return err
	}
	defer closeFn()

	pending, err := svc.ListPending(cmd.Context(), channel)
	if err != nil {
		return err
	}
	printPending(cmd.OutOrStdout(), pending, time.Now())
	return nil
}

func printPending(out io.Writer, pending []pairing.Request, now time.Time) {
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending pairing requests.")
		return
	}
	fmt.Fprintln(out, "Pending pairing requests:")
	for _, req := range pending {
		remaining := req.ExpiresAt.Sub(now).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(out, "- channel: %s | account: %s | code: %s | peer: %s | expires in: %s\n",
			req.Channel, req.AccountID, req.Code, req.PeerID, remaining)
	}
}

func runPairingApprove(cmd *cobra.Command, args []string) error {
	channel := strings.ToLower(strings.TrimSpace(args[0]))
	code := strings.TrimSpace(args[1])
	svc, closeFn, err := openPairingService()
	if err != nil {
		return err
	}
	defer closeFn()

	req, err := svc.Approve(cmd.Context(), channel, code)
	if err != nil {
		return err
	}
	cmd.Printf("Approved pairing for %s (peer %s).\n", channel, req.PeerID)
	return nil
}

func runPairingReject(cmd *cobra.Command, args []string) error {
	channel := strings.ToLower(strings.TrimSpace(args[0]))
	code := strings.TrimSpace(args[1])
	svc, closeFn, err := openPairingService()
	if err != nil {
		return err
	}
	defer closeFn()

	req, err := svc.Reject(cmd.Context(), channel, code)
	if err != nil {
		return err
	}
	cmd.Printf("Rejected pairing for %s (peer %s).\n", channel, req.PeerID)
	return nil
}
