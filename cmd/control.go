package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/edirelay/internal/command"
)

var inputCmd = &cobra.Command{
	Use:   "input enable|disable HOST:PORT",
	Short: "Enable or disable a source",
	Long: `Enable or disable one source of the running relay.

A disabled source is disconnected and never selected. Examples:
  edi-relay input disable edi1.example.com:9201
  edi-relay input enable edi1.example.com:9201`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"enable", "disable"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInput(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0], args[1])
	},
}

var setCmd = &cobra.Command{
	Use:   "set delay|drop-delay|drop-late|backoff VALUE",
	Short: "Change a relay setting",
	Long: `Change a relay setting of the running daemon.

  delay       ms relative to the frame timestamp, -100000..100000
  drop-delay  ms after the release time a frame is still sent, 0..100000
  drop-late   0 or 1, drop frames later than drop-delay
  backoff     ms the output stays inhibited after a source switch, 0..100000`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSet(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0], args[1])
	},
}

var inhibitCmd = &cobra.Command{
	Use:   "inhibit DURATION",
	Short: "Suppress the output for a while",
	Long: `Suppress the output for DURATION from now, e.g. "5s" or "1500ms".
A duration of 0 ends an inhibition early.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}
		return runInhibit(cmd.Context(), newClient(), cmd.OutOrStdout(), d)
	},
}

var setMethods = map[string]string{
	"delay":      command.MethodSetDelay,
	"drop-delay": command.MethodSetDropDelay,
	"drop-late":  command.MethodSetDropLate,
	"backoff":    command.MethodSetBackoff,
}

func runInput(ctx context.Context, client ClientInterface, out io.Writer, action, source string) error {
	var enabled bool
	switch action {
	case "enable":
		enabled = true
	case "disable":
	default:
		return fmt.Errorf("unknown action %q, must be enable or disable", action)
	}
	if err := client.SetInput(ctx, source, enabled); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, source, err)
	}
	fmt.Fprintf(out, "✓ Source %s %sd\n", source, action)
	return nil
}

func runSet(ctx context.Context, client ClientInterface, out io.Writer, name, raw string) error {
	method, ok := setMethods[name]
	if !ok {
		return fmt.Errorf("unknown setting %q", name)
	}

	var value interface{}
	if name == "drop-late" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid drop-late value %q, must be 0 or 1", raw)
		}
		value = b
	} else {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", name, raw, err)
		}
		value = n
	}

	if err := client.Set(ctx, method, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	fmt.Fprintf(out, "✓ %s set to %s\n", name, raw)
	return nil
}

func runInhibit(ctx context.Context, client ClientInterface, out io.Writer, d time.Duration) error {
	until, err := client.Inhibit(ctx, d)
	if err != nil {
		return fmt.Errorf("failed to inhibit output: %w", err)
	}
	if d == 0 {
		fmt.Fprintln(out, "✓ Output inhibition cleared")
		return nil
	}
	fmt.Fprintf(out, "✓ Output inhibited until %s\n", until)
	return nil
}
