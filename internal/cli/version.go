package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/monorkin/equipment-inventory/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Describe())
		},
	}
}
