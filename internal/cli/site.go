package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/monorkin/equipment-inventory/internal/app"
)

func newSiteCmd(opts *rootOptions) *cobra.Command {
	siteCmd := &cobra.Command{
		Use:     "site",
		Aliases: []string{"s", "sites"},
		Short:   "Manage sites",
		Long:    `Commands for listing, adding and deleting the sites devices are placed on.`,
	}

	siteCmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List all sites",
			Args:    cobra.NoArgs,
			RunE:    withApp(opts, runSiteList),
		},
		&cobra.Command{
			Use:   "add <name>",
			Short: "Add a site",
			Args:  cobra.ExactArgs(1),
			RunE:  withApp(opts, runSiteAdd),
		},
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Delete a site with all of its devices",
			Args:    cobra.ExactArgs(1),
			RunE:    withApp(opts, runSiteDelete),
		},
	)

	return siteCmd
}

func runSiteList(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
	sites, err := a.Store.ListSites(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sites) == 0 {
		fmt.Fprintln(out, "No sites found.")
		return nil
	}

	w := newTable(out)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------")
	for _, site := range sites {
		fmt.Fprintf(w, "%d\t%s\t%s\n", site.ID, site.Name, formatTime(site.CreatedAt))
	}

	return nil
}

func runSiteAdd(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
	site, err := a.Store.AddSite(ctx, args[0])
	if err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Added site %d (%s)", site.ID, site.Name)
	return nil
}

func runSiteDelete(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if err := a.Store.DeleteSite(ctx, id); err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Deleted site %d", id)
	return nil
}
