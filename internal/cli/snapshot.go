package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/monorkin/equipment-inventory/internal/app"
	"github.com/monorkin/equipment-inventory/internal/store"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import the whole inventory",
		Long: `Export the inventory as a snapshot document or replace the inventory with one.
Snapshots carry sites and devices; photos stay local.`,
	}

	var exportFormat, output string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the inventory as a snapshot",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runSnapshotExport(ctx, cmd, a, exportFormat, output)
		}),
	}
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", FormatJSON, "Output format (json or yaml)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")

	var importFormat string
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the inventory with a snapshot",
		Long: `Replace every site and device with the content of a snapshot file. Use "-" to
read from stdin. The format is taken from the file extension unless --format is given.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runSnapshotImport(ctx, cmd, args[0], a, importFormat)
		}),
	}
	importCmd.Flags().StringVarP(&importFormat, "format", "f", "", "Input format (json or yaml)")

	snapshotCmd.AddCommand(exportCmd, importCmd)
	return snapshotCmd
}

func encodeSnapshot(snapshot *store.Snapshot, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(snapshot); err != nil {
			return nil, err
		}
		if err := encoder.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func decodeSnapshot(data []byte, format string) (*store.Snapshot, error) {
	var snapshot store.Snapshot
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return &snapshot, nil
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func runSnapshotExport(ctx context.Context, cmd *cobra.Command, a *app.App, format, output string) error {
	snapshot, err := a.Store.ExportSnapshot(ctx)
	if err != nil {
		return err
	}

	data, err := encodeSnapshot(snapshot, format)
	if err != nil {
		return err
	}

	if output == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	summary := snapshot.Summary()
	printSuccess(cmd.OutOrStdout(), "Exported %d sites and %d devices to %s", summary.Sites, summary.Devices, output)
	return nil
}

func runSnapshotImport(ctx context.Context, cmd *cobra.Command, path string, a *app.App, format string) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if format == "" {
		format = formatFromPath(path)
	}

	snapshot, err := decodeSnapshot(data, format)
	if err != nil {
		return err
	}

	if err := a.Store.ImportSnapshot(ctx, snapshot); err != nil {
		return err
	}

	summary := snapshot.Summary()
	printSuccess(cmd.OutOrStdout(), "Imported %d sites and %d devices", summary.Sites, summary.Devices)
	return nil
}
