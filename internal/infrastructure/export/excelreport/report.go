package excelreport

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/bizledger/intake/internal/core/domain"
)

const sheetName = "Processed Documents"

// Write renders the processed-document ledger as an xlsx workbook at path.
// Amounts are stored in minor units and rendered with two decimals.
func Write(path string, fingerprints []domain.DocumentFingerprint, stats *domain.RegistryStats) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	headers := []string{"File Name", "Vendor", "Amount", "Date", "Processed At", "File Hash"}
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("header cell name: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return fmt.Errorf("set header %s: %w", header, err)
		}
	}

	for row, fp := range fingerprints {
		values := []any{
			fp.FileName,
			fp.Extracted.Vendor,
			formatAmount(fp.Extracted.AmountMinor),
			fp.Extracted.Date,
			fp.ProcessedAt.Format(time.RFC3339),
			fp.FileHash,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	if stats != nil {
		summaryRow := len(fingerprints) + 3
		cells := map[string]any{
			"A": "Total documents",
			"B": stats.Total,
			"C": "Duplicates blocked",
			"D": stats.DuplicatesBlocked,
		}
		for col, value := range cells {
			if err := f.SetCellValue(sheetName, col+strconv.Itoa(summaryRow), value); err != nil {
				return fmt.Errorf("set summary cell: %w", err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func formatAmount(minor int64) string {
	if minor == 0 {
		return ""
	}
	return strconv.FormatFloat(float64(minor)/100, 'f', 2, 64)
}
