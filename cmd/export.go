package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"procodus.dev/mirra/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export [csv|xlsx]",
	Short: "Export every stored measurement to a dated CSV or XLSX file",
	Long: `Export reads the database configured for the backend (backend.db.*) and writes
mirra-db-<date>.<format> into the output directory.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{store.FormatCSV, store.FormatXLSX},
	RunE:      runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("output-dir", "o", ".", "directory the export is written to")
}

func runExport(cmd *cobra.Command, args []string) error {
	format := store.FormatCSV
	if len(args) == 1 {
		format = args[0]
	}
	if format != store.FormatCSV && format != store.FormatXLSX {
		return fmt.Errorf("unsupported export format %q", format)
	}

	dir, err := cmd.Flags().GetString("output-dir")
	if err != nil {
		return err
	}

	logger := GetLogger("export")

	db, err := store.NewDB(dbConfigFromViper("export"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	measurements, err := store.NewMeasurements(db)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, store.ExportFilename(time.Now(), format))
	f, err := os.Create(path) // #nosec G304 - operator-chosen output path
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if format == store.FormatXLSX {
		err = measurements.WriteXLSX(cmd.Context(), f)
	} else {
		err = measurements.WriteCSV(cmd.Context(), f)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to export measurements: %w", err)
	}

	logger.Info("measurements exported", "path", path, "format", format)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
	return err
}
