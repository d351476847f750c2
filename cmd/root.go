package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/probgate/internal/config"
	"github.com/JakeFAU/probgate/internal/server"
)

// buildApp is the application factory; tests replace it.
var buildApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "probgate",
		Short: "HTTP gateway in front of a probability computation engine.",
		Long: `probgate accepts a natural-language probability problem over HTTP, runs the
computation engine once per request as a child process and relays its JSON
answer, or a JSON error, back to the caller.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PROBGATE_* env vars override it")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(loadConfig))
	cmd.AddCommand(newSolveCmd(loadConfig))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
