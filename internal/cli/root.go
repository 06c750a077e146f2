// Package cli holds the openscopecore commands.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "openscopecore",
	Short: "Task execution engine for the microscope",
	Long: `openscopecore runs step protocols (fluidics, imaging, illumination) against
the microscope devices and serves the REST, websocket and gRPC control surfaces.
Without a subcommand it starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().String("config", "configs/config.yaml", "path to the config file, empty for built-in defaults")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(validateCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
