package cmd

import (
	"context"
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/edirelay/internal/daemon"
)

var (
	reloadSignal  bool
	reloadPIDFile string
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to read its configuration file again.

Relay settings, backoff, log settings and the enabled flag of the existing
sources take effect immediately; other changes need a restart. With --signal
the daemon is sent SIGHUP through its PID file instead of the control socket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if reloadSignal {
			return signalDaemon(cmd.OutOrStdout(), reloadPIDFile, syscall.SIGHUP)
		}
		return runReload(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func init() {
	reloadCmd.Flags().BoolVar(&reloadSignal, "signal", false, "send SIGHUP instead of using the control socket")
	reloadCmd.Flags().StringVarP(&reloadPIDFile, "pidfile", "p", "/var/run/edi-relay.pid", "PID file used with --signal")
}

func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.ConfigReload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}

func signalDaemon(out io.Writer, pidFile string, sig syscall.Signal) error {
	if err := daemon.Signal(pidFile, sig); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}
	fmt.Fprintf(out, "✓ Sent %s to daemon\n", sig)
	return nil
}
