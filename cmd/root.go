// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/edirelay/internal/command"
)

const (
	defaultConfigFile = "/etc/edi-relay/config.yml"
	defaultSocketPath = "/var/run/edi-relay.sock"
)

var (
	// Global flags
	configFile    string
	socketPath    string
	clientTimeout time.Duration

	// newClient connects to the daemon control socket. Tests replace it.
	newClient = func() ClientInterface {
		return command.NewUDSClient(socketPath, clientTimeout)
	}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "edi-relay",
	Short: "edi-relay - redundant EDI relay for DAB transmitters",
	Long: `edi-relay receives an EDI stream from one or more redundant sources over
TCP or UDP, reassembles it, delays every frame to a common release time and
forwards it to UDP (AF or PFT, unicast or multicast) and TCP outputs.

The daemon is controlled through a Unix domain socket, either with the
subcommands below or with the ODR-EDI2EDI text commands (control.rc_socket).`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", defaultSocketPath,
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(inputsCmd)
	rootCmd.AddCommand(inputCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(inhibitCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(replayCmd)
}
