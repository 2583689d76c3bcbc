package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/edirelay/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file given with --config without
starting the relay. Environment overrides (EDI_RELAY_*) are applied.

Examples:
  edi-relay validate -c /etc/edi-relay/config.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	var outputs []string
	if cfg.Outputs.UDP.Enabled {
		outputs = append(outputs, fmt.Sprintf("udp/%s x%d", cfg.Outputs.UDP.Format, len(cfg.Outputs.UDP.Destinations)))
	}
	if cfg.Outputs.TCP.Enabled {
		outputs = append(outputs, "tcp "+cfg.Outputs.TCP.Listen)
	}
	if cfg.Outputs.Console.Enabled {
		outputs = append(outputs, "console")
	}

	fmt.Fprintf(out, "VALID: %d source(s), mode %s, delay %dms, outputs %v\n",
		len(cfg.Sources), cfg.Redundancy.Mode, cfg.Relay.DelayMs, outputs)
	for _, s := range cfg.Sources {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %s %s (%s)\n", s.Kind, s.ID(), state)
	}
	return nil
}
