package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/sink/console"
	"firestige.xyz/edirelay/internal/source"
	"firestige.xyz/edirelay/internal/source/pcap"
)

var (
	replayPort   int
	replayFormat string
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Decode EDI from a capture file",
	Long: `Reassemble the EDI carried in the UDP datagrams of a pcap or pcapng file
and print one line per frame, using the capture timestamps as arrival times.
No daemon is needed.

Examples:
  edi-relay replay capture.pcap --port 12000
  edi-relay replay capture.pcapng -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayPort, "port", 0, "UDP destination port to decode, 0 for any")
	replayCmd.Flags().StringVarP(&replayFormat, "output", "o", console.FormatText, "frame format: text or json")
}

func runReplay(cmd *cobra.Command, path string, out, errOut io.Writer) error {
	dump, err := console.NewSink(replayFormat, out)
	if err != nil {
		return err
	}

	var sendErr error
	r := pcap.NewReplayer(source.Config{}, pcap.Options{Path: path, Port: replayPort})
	stats, err := r.Run(cmd.Context(), func(frame core.DecodedFrame, _ *source.Source) {
		if sendErr == nil {
			sendErr = dump.Send(cmd.Context(), frame)
		}
	})
	if err != nil {
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("failed to write frame: %w", sendErr)
	}

	ps := r.Pipeline().Stats()
	fmt.Fprintf(errOut, "%d packets, %d datagrams, %d frames (%d PFT completed, %d abandoned, %d malformed)",
		stats.Packets, stats.Datagrams, stats.Frames, ps.Completed, ps.Abandoned, ps.Malformed)
	if stats.Frames > 0 {
		fmt.Fprintf(errOut, ", %v of stream", stats.LastFrame.Sub(stats.FirstFrame))
	}
	fmt.Fprintln(errOut)
	return nil
}
