package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/monorkin/equipment-inventory/internal/app"
	"github.com/monorkin/equipment-inventory/internal/models"
	"github.com/monorkin/equipment-inventory/internal/store"
)

type deviceOptions struct {
	name  string
	info  string
	image string
}

func newDeviceCmd(opts *rootOptions) *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:     "device",
		Aliases: []string{"d", "devices"},
		Short:   "Manage devices",
		Long:    `Commands for placing, editing and removing devices on a site's grid.`,
	}

	setOpts := &deviceOptions{}
	setCmd := &cobra.Command{
		Use:   "set <site_id> <x> <y>",
		Short: "Create or update the device at a grid position",
		Long: `Create the device at the given grid cell, or update the one already there.

Examples:
  equipment-inventory device set 1 2 3 --name "Drill press"
  equipment-inventory device set 1 2 3 --image ./photo.jpg
  equipment-inventory device set 1 2 3 --image "data:image/jpeg;base64,/9j/4AAQ..."`,
		Args: cobra.ExactArgs(3),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runDeviceSet(ctx, cmd, args, a, setOpts)
		}),
	}
	addDeviceFlags(setCmd, setOpts)

	editOpts := &deviceOptions{}
	editCmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update a device by id",
		Long:  `Update a device by id. Only the given flags change.`,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runDeviceEdit(ctx, cmd, args, a, editOpts)
		}),
	}
	addDeviceFlags(editCmd, editOpts)

	var imageOutput string
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a device",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runDeviceShow(ctx, cmd, args, a, imageOutput)
		}),
	}
	showCmd.Flags().StringVar(&imageOutput, "image-output", "", "Write the device photo to this file")

	deviceCmd.AddCommand(
		&cobra.Command{
			Use:     "list <site_id>",
			Aliases: []string{"ls"},
			Short:   "List the devices of a site",
			Args:    cobra.ExactArgs(1),
			RunE:    withApp(opts, runDeviceList),
		},
		setCmd,
		editCmd,
		showCmd,
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Delete a device and its photo",
			Args:    cobra.ExactArgs(1),
			RunE:    withApp(opts, runDeviceDelete),
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove photos no device points at",
			Args:  cobra.NoArgs,
			RunE:  withApp(opts, runDeviceSweep),
		},
	)

	return deviceCmd
}

func addDeviceFlags(cmd *cobra.Command, opts *deviceOptions) {
	cmd.Flags().StringVar(&opts.name, "name", "", "Device name")
	cmd.Flags().StringVar(&opts.info, "info", "", "Free form device notes")
	cmd.Flags().StringVar(&opts.image, "image", "", "Photo as a file path or a base64 data URL")
}

// readImage accepts a file path or a data URL such as
// "data:image/jpeg;base64,...". Only the part after the comma is decoded.
func readImage(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}

	if strings.HasPrefix(value, "data:") {
		_, encoded, found := strings.Cut(value, ",")
		if !found {
			return nil, fmt.Errorf("malformed data URL")
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image data: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

func runDeviceList(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
	siteID, err := parseID(args[0])
	if err != nil {
		return err
	}

	site, err := a.Store.GetSite(ctx, siteID)
	if err != nil {
		return err
	}

	devices, err := a.Store.ListDevices(ctx, siteID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintf(out, "No devices found in %s.\n", site.Name)
		return nil
	}

	w := newTable(out)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tX\tY\tNAME\tINFO\tPHOTO\tUPDATED")
	fmt.Fprintln(w, "--\t-\t-\t----\t----\t-----\t-------")
	for _, device := range devices {
		photo := "no"
		if device.HasImage() {
			photo = "yes"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			device.ID,
			device.PositionX,
			device.PositionY,
			device.Name,
			device.Info,
			photo,
			formatTime(device.UpdatedAt),
		)
	}

	return nil
}

func runDeviceSet(ctx context.Context, cmd *cobra.Command, args []string, a *app.App, opts *deviceOptions) error {
	siteID, err := parseID(args[0])
	if err != nil {
		return err
	}
	x, y, err := parsePosition(args[1], args[2])
	if err != nil {
		return err
	}

	image, err := readImage(opts.image)
	if err != nil {
		return err
	}

	input := store.DeviceInput{
		SiteID:    siteID,
		PositionX: x,
		PositionY: y,
		Name:      opts.name,
		Info:      opts.info,
		Image:     image,
	}

	// unchanged flags keep what is already stored in the cell
	existing, err := a.Store.FindDeviceAt(ctx, siteID, x, y)
	if err != nil {
		return err
	}
	if existing != nil {
		if !cmd.Flags().Changed("name") {
			input.Name = existing.Name
		}
		if !cmd.Flags().Changed("info") {
			input.Info = existing.Info
		}
	}

	device, err := a.Store.UpsertDevice(ctx, input)
	if err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Saved device %d at (%d, %d)", device.ID, device.PositionX, device.PositionY)
	return nil
}

func runDeviceEdit(ctx context.Context, cmd *cobra.Command, args []string, a *app.App, opts *deviceOptions) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	current, err := a.Store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("device %d: %w", id, store.ErrNotFound)
	}

	name, info := current.Name, current.Info
	if cmd.Flags().Changed("name") {
		name = opts.name
	}
	if cmd.Flags().Changed("info") {
		info = opts.info
	}

	image, err := readImage(opts.image)
	if err != nil {
		return err
	}

	device, err := a.Store.UpdateDevice(ctx, id, name, info, image)
	if err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Updated device %d", device.ID)
	return nil
}

func runDeviceShow(ctx context.Context, cmd *cobra.Command, args []string, a *app.App, imageOutput string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	device, err := a.Store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("device %d: %w", id, store.ErrNotFound)
	}

	out := cmd.OutOrStdout()
	printField(out, "ID", device.ID)
	printField(out, "Site", device.SiteID)
	printField(out, "Position", fmt.Sprintf("(%d, %d)", device.PositionX, device.PositionY))
	printField(out, "Name", device.Name)
	printField(out, "Info", device.Info)
	printField(out, "Photo", describeImage(device.Image))
	printField(out, "Created", formatTime(device.CreatedAt))
	printField(out, "Updated", formatTime(device.UpdatedAt))

	if imageOutput == "" {
		return nil
	}
	if device.Image == nil {
		return fmt.Errorf("device %d has no photo", id)
	}
	if err := os.WriteFile(imageOutput, device.Image.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write photo: %w", err)
	}
	printSuccess(out, "Wrote photo to %s", imageOutput)
	return nil
}

func describeImage(image *models.Image) string {
	if image == nil {
		return mutedStyle.Render("none")
	}
	return fmt.Sprintf("%d bytes, taken %s", len(image.Data), formatTime(image.Timestamp))
}

func runDeviceDelete(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if err := a.Store.DeleteDevice(ctx, id); err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Deleted device %d", id)
	return nil
}

func runDeviceSweep(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
	removed, err := a.Store.SweepOrphanImages(ctx)
	if err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Removed %d orphaned photos", removed)
	return nil
}
