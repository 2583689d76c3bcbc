package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"firestige.xyz/edirelay/internal/config"
	"firestige.xyz/edirelay/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the relay in the foreground",
	Long: `Run the edi-relay daemon in the foreground.

The daemon will:
  1. Load the configuration file and apply the command line overrides
  2. Run the startup check, initialize logging and metrics
  3. Open the outputs and connect to the sources
  4. Start the control socket and the Kafka command channel (if configured)
  5. Relay frames until SIGTERM/SIGINT or the stop command; SIGHUP reloads

Command line overrides replace the matching configuration keys:

  edi-relay daemon --source edi1:9201 --source edi2:9201 -w 1500 --dest 239.20.64.1:12000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := daemonOverrides(cmd.Flags())
		if err != nil {
			return err
		}
		return runDaemon(overrides)
	},
}

var (
	pidFile     string
	ovSources   []string
	ovDelay     int
	ovDropDelay int
	ovBackoff   int
	ovMode      string
	ovDests     []string
	ovDump      bool
	ovLogLevel  string
)

func init() {
	f := daemonCmd.Flags()
	f.StringVarP(&pidFile, "pidfile", "p", "", "PID file path (default control.pid_file)")
	f.StringArrayVar(&ovSources, "source", nil, "source host:port or udp://host:port, repeatable")
	f.IntVarP(&ovDelay, "delay", "w", 0, "relay delay in ms, negative releases before the frame timestamp")
	f.IntVarP(&ovDropDelay, "drop-delay", "x", 0, "drop frames later than this many ms, enables drop_late")
	f.IntVarP(&ovBackoff, "backoff", "b", 0, "output inhibition after a source switch in ms")
	f.StringVar(&ovMode, "mode", "", "redundancy mode: switch or merge")
	f.StringArrayVar(&ovDests, "dest", nil, "UDP destination host:port, repeatable")
	f.BoolVar(&ovDump, "dump", false, "also print every frame to stdout")
	f.StringVar(&ovLogLevel, "log-level", "", "log level")
}

// daemonOverrides collects the override flags the user actually set.
func daemonOverrides(flags *pflag.FlagSet) (config.Overrides, error) {
	var o config.Overrides
	if flags.Changed("source") {
		o.Sources = ovSources
	}
	if flags.Changed("delay") {
		o.Delay = intPtr(ovDelay)
	}
	if flags.Changed("drop-delay") {
		if ovDropDelay < 0 {
			return o, fmt.Errorf("--drop-delay must not be negative")
		}
		o.DropDelay = intPtr(ovDropDelay)
	}
	if flags.Changed("backoff") {
		o.Backoff = intPtr(ovBackoff)
	}
	if flags.Changed("mode") {
		o.Mode = ovMode
	}
	if flags.Changed("dest") {
		o.Dests = ovDests
	}
	o.Dump = ovDump
	o.LogLevel = ovLogLevel
	return o, nil
}

func intPtr(v int) *int { return &v }

func runDaemon(o config.Overrides) error {
	// an explicit --socket wins over control.socket
	sock := ""
	if rootCmd.PersistentFlags().Changed("socket") {
		sock = socketPath
	}

	d, err := daemon.NewWithOverrides(configFile, sock, pidFile, o)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// Run main loop (blocks until shutdown)
	return d.Run()
}
