package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/probgate/internal/server"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "probgate %s (commit %s)\n", server.Version, server.Commit)
		},
	}
}
