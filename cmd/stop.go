package cmd

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/edirelay/internal/daemon"
)

var (
	stopSignal  bool
	stopPIDFile string
	stopWait    time.Duration
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long: `Stop the daemon gracefully.

The daemon stops its inputs, discards pending frames, closes the outputs and
exits. With --signal SIGTERM is sent through the PID file, which also works
when the control socket does not answer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if stopSignal {
			if err := signalDaemon(out, stopPIDFile, syscall.SIGTERM); err != nil {
				return err
			}
		} else if err := runStop(cmd.Context(), newClient(), out); err != nil {
			return err
		}
		if stopWait > 0 {
			return daemon.WaitStopped(socketPath, stopWait)
		}
		return nil
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopSignal, "signal", false, "send SIGTERM instead of using the control socket")
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/edi-relay.pid", "PID file used with --signal")
	stopCmd.Flags().DurationVar(&stopWait, "wait", 5*time.Second, "wait until the control socket is gone, 0 to return at once")
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Shutdown requested")
	return nil
}
