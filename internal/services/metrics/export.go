package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/gotrs-io/gotrs-sla/internal/models"
)

// ReportHeader is the column order of every report export.
var ReportHeader = []string{"period", "totalCases", "breached", "complianceRate", "avgResponse", "avgResolution"}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// ExportCSV writes rows with ReportHeader as the first line.
func ExportCSV(w io.Writer, rows []models.ReportRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ReportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Period,
			strconv.Itoa(r.TotalCases),
			strconv.Itoa(r.Breached),
			strconv.FormatFloat(r.ComplianceRate, 'f', 4, 64),
			formatFloat(r.AvgResponse),
			formatFloat(r.AvgResolution),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.Period, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// SheetName is the worksheet ExportXLSX writes to.
const SheetName = "Compliance"

// ExportXLSX writes rows as a single-sheet workbook.
func ExportXLSX(w io.Writer, rows []models.ReportRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(ReportHeader))
	for i, h := range ReportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{r.Period, r.TotalCases, r.Breached, r.ComplianceRate, r.AvgResponse, r.AvgResolution}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %s: %w", r.Period, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
