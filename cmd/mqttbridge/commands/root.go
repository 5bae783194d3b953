package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const appName = "mqttbridge"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mqttbridge",
	Short: "Bridge MQTT brokers to browser peers over a WebSocket",
	Long: `mqttbridge connects to one or more MQTT brokers, subscribes to every
topic, and fans out each message to connected browser peers over a
WebSocket. Peers can request new broker connections, publish messages, and
save named commands and pipelines for reuse.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	registerServeFlags(rootCmd)
}

// defaultConfigDir returns ~/.mqttbridge, mirroring the dotfile convention
// used elsewhere in the pack for per-app state directories.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mqttbridge"
	}
	return filepath.Join(home, "."+appName)
}
