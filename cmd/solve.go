package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/config"
	"github.com/JakeFAU/probgate/internal/id/uuid"
)

// errNonOK makes the process exit non-zero when the engine did not answer.
var errNonOK = errors.New("calculation did not succeed")

func newSolveCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   `solve "<problem text>"`,
		Short: "Run one calculation without the HTTP server",
		Long: `Runs the engine once through the same coordinator the HTTP service uses and
prints the status code and JSON body. Exits 1 unless the status is 200.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			app.StartWorkers(cmd.Context())
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.ShutdownTimeout())
				defer cancel()
				if err := app.Close(ctx); err != nil {
					app.Logger().Warn("shutdown incomplete", zap.Error(err))
				}
			}()

			resp := app.Coordinator().Handle(cmd.Context(), uuid.NewRequestID(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", resp.StatusCode, resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: %s", errNonOK, resp.Outcome)
			}
			return nil
		},
	}
}
