package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/server"
)

// newRunCmd creates the 'run' subcommand, which starts the fleet and its HTTP API.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the fleet",
		Long: `Builds every dependency from the configuration, starts the job
dispatcher and the HTTP API, and blocks until SIGINT or SIGTERM. Running
jobs checkpoint before the process exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
