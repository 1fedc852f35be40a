package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/chatgate/internal/daemon"
	"github.com/harun/chatgate/pkg/lifecycle"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the chatgate daemon and its channel accounts.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if !daemon.IsRunning(pidFile) {
		cmd.Println("Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}
	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	status, err := newDaemonClient(cfg).status(ctx)
	if err != nil {
		cmd.Printf("Details unavailable: %v\n", err)
		return nil
	}

	cmd.Printf("Address: %s\n", status.Addr)
	cmd.Printf("Uptime: %s\n", formatDuration(status.Uptime))
	cmd.Printf("Agent clients: %d\n", status.BridgeClients)
	printAccounts(cmd.OutOrStdout(), status.Accounts)
	return nil
}

func printAccounts(out io.Writer, accounts []lifecycle.Snapshot) {
	if len(accounts) == 0 {
		fmt.Fprintln(out, "No channel accounts configured.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tACCOUNT\tSTATE\tLAST INBOUND\tERROR")
	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Channel, a.AccountID, a.State, formatSince(a.LastInboundAt), a.LastError)
	}
	_ = w.Flush()
}

func formatSince(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(*t)) + " ago"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
