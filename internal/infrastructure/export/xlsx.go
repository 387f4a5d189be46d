// Package export renders approval records as spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/risk"
)

// SheetName is the name of the worksheet holding approval rows
const SheetName = "Approvals"

// Columns is the header row of the approvals sheet
var Columns = []string{
	"Approval ID",
	"Invoice ID",
	"Vendor",
	"Country",
	"Total Amount",
	"Fraud Score",
	"Fraud Risk",
	"Level",
	"Status",
	"Created At",
	"Decided By",
	"Decision Detail",
	"Decided At",
}

const timeLayout = "2006-01-02 15:04:05"

// WriteApprovals writes records as an XLSX workbook to w, one row per record
func WriteApprovals(w io.Writer, records []*entity.ApprovalRecord) error {
	f, err := Workbook(records)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// Workbook builds the approvals workbook in memory. The caller closes it.
func Workbook(records []*entity.ApprovalRecord) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]interface{}, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		row := recordRow(rec)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row for approval %s: %w", rec.ID, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze header: %w", err)
	}

	return f, nil
}

func recordRow(rec *entity.ApprovalRecord) []interface{} {
	var score interface{} = ""
	if rec.FraudScore != nil {
		score = *rec.FraudScore
	}

	amount, _ := rec.TotalAmount.Float64()

	return []interface{}{
		rec.ID,
		rec.InvoiceID,
		rec.VendorName,
		rec.Country,
		amount,
		score,
		risk.Classify(rec.FraudScore).String(),
		fmt.Sprintf("%d - %s", rec.Level, rec.LevelName),
		rec.Status.String(),
		formatTime(&rec.CreatedAt),
		rec.DecidedBy,
		rec.DecisionDetail,
		formatTime(rec.DecidedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
