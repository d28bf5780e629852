package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ExportHeader is the column header shared by all export formats.
var ExportHeader = []string{
	"timestamp(utc)", "gateway_mac", "node_mac", "value", "sensor_name", "sensor_unit",
}

// ExportFilename returns the canonical dated export filename, e.g. mirra-db-2024-05-01.csv.
func ExportFilename(now time.Time, format string) string {
	return fmt.Sprintf("mirra-db-%s.%s", now.UTC().Format(time.DateOnly), format)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05-07:00")
}

// WriteCSV writes every measurement to w as CSV.
func (r *Measurements) WriteCSV(ctx context.Context, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	err := r.Export(ctx, func(row ExportRow) error {
		return cw.Write([]string{
			formatTimestamp(row.Timestamp),
			row.GatewayMAC,
			row.NodeMAC,
			strconv.FormatFloat(row.Value, 'f', -1, 64),
			row.SensorName,
			row.SensorUnit,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to export csv: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

const xlsxSheet = "measurements"

// WriteXLSX writes every measurement to w as a single-sheet workbook.
func (r *Measurements) WriteXLSX(ctx context.Context, w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	header := make([]interface{}, len(ExportHeader))
	for i, h := range ExportHeader {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("failed to write xlsx header: %w", err)
	}

	rowNum := 2
	err = r.Export(ctx, func(row ExportRow) error {
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		rowNum++
		return sw.SetRow(cell, []interface{}{
			formatTimestamp(row.Timestamp),
			row.GatewayMAC,
			row.NodeMAC,
			row.Value,
			row.SensorName,
			row.SensorUnit,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to export xlsx: %w", err)
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush xlsx: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}
