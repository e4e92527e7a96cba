package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/app"
	"github.com/monorkin/equipment-inventory/internal/logging"
)

type rootOptions struct {
	verbose bool
}

// NewRootCmd builds the whole command tree. Every call returns fresh
// commands with default flag values.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "equipment-inventory",
		Short: "Equipment inventory with peer to peer replication",
		Long: `Keep an inventory of equipment placed on per-site grids and replicate it
between instances on the same network without a central server.

One instance hosts with "sync host"; others join with "sync connect" and
receive the host's full inventory whenever a sync is triggered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose (debug) logging")

	rootCmd.AddCommand(
		newSiteCmd(opts),
		newDeviceCmd(opts),
		newSnapshotCmd(opts),
		newSyncCmd(opts),
		newSeedCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// Execute runs the command line and prints a failing command's error.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), errorStyle.Render("Error: "+err.Error()))
		return err
	}
	return nil
}

type appRunner func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error

// withApp opens the application for the duration of one command.
func withApp(opts *rootOptions, run appRunner) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.New(app.Options{
			Verbose: opts.verbose,
			Console: cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.Logger.Debug("Failed to close cleanly", zap.Error(err))
			}
		}()

		logger := logging.Named(a.Logger, logging.NameCLI)
		logger.Debug("Running command", zap.String("command", cmd.CommandPath()), zap.Strings("args", args))

		return run(cmd.Context(), cmd, args, a)
	}
}
