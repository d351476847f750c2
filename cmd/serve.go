package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/probgate/internal/config"
)

func newServeCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Starts the HTTP server with the landing page, POST /calculate, health
probes, metrics and the invocation audit pipeline. SIGINT or SIGTERM drains
in-flight requests and pending audit records before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
