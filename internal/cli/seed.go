package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/monorkin/equipment-inventory/internal/app"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Fill the inventory with demo sites and devices",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			counts, err := a.Seed(ctx)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Inventory now holds %d sites and %d devices", counts.Sites, counts.Devices)
			return nil
		}),
	}
}
