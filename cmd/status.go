package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/edirelay/internal/redundancy"
)

var (
	statusFormat   string
	settingsFormat string
	inputsFormat   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the daemon for its overall status.

Shows: version, uptime, redundancy mode, source counts, active sources and
the relay buffer counters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout(), statusFormat)
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show relay settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSettings(cmd.Context(), newClient(), cmd.OutOrStdout(), settingsFormat)
	},
}

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "List sources",
	Long: `List every configured source with its state.

The default table output marks the active source with '*'. Use -o json or
-o yaml for the full record including the decoder counters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInputs(cmd.Context(), newClient(), cmd.OutOrStdout(), inputsFormat)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "output", "o", "json", "output format: json or yaml")
	settingsCmd.Flags().StringVarP(&settingsFormat, "output", "o", "json", "output format: json or yaml")
	inputsCmd.Flags().StringVarP(&inputsFormat, "output", "o", "table", "output format: table, json or yaml")
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer, format string) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to query daemon status: %w", err)
	}
	return printResult(out, st, format)
}

func runSettings(ctx context.Context, client ClientInterface, out io.Writer, format string) error {
	s, err := client.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to query settings: %w", err)
	}
	return printResult(out, s, format)
}

func runInputs(ctx context.Context, client ClientInterface, out io.Writer, format string) error {
	inputs, err := client.ListInputs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inputs: %w", err)
	}
	if format != "table" {
		return printResult(out, inputs, format)
	}
	printInputTable(out, inputs)
	return nil
}

func printInputTable(out io.Writer, inputs []redundancy.SourceStatus) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tSOURCE\tKIND\tENABLED\tSTATE\tHEALTHY\tMARGIN\tCONNECTS\tFRAMES")
	for _, in := range inputs {
		mark := ""
		if in.Active {
			mark = "*"
		}
		margin := "-"
		if in.MarginMs != nil {
			margin = (time.Duration(*in.MarginMs * float64(time.Millisecond))).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%t\t%s\t%t\t%s\t%d\t%d\n",
			mark, in.Hostname, in.Port, in.Kind, in.Enabled, in.State, in.Healthy,
			margin, in.ConnectionCount, in.Stats.Frames)
	}
	w.Flush()
}

// printResult writes v as indented JSON or as YAML with the JSON field
// names.
func printResult(out io.Writer, v interface{}, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}

	switch strings.ToLower(format) {
	case "", "json":
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml", "yml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
