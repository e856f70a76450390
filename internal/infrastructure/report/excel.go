// Package report renders payroll disbursement workbooks
package report

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/disbursement"
	"github.com/kingsway/backoffice-workflow/internal/application/process/payroll"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
)

const (
	SheetDisbursement = "Disbursement"
	SheetPayroll      = "Payroll"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	itemHeaders = []string{"Payee ID", "Payee", "Method", "Account", "Bank", "Amount", "Status", "Provider Reference", "Failure Reason", "Retries"}
	lineHeaders = []string{"Payee ID", "Payee", "Basic", "Allowances", "Gross", "NSSF", "NHIF", "PAYE", "Loan", "Deductions", "Net"}
)

// ExcelReporter builds XLSX disbursement reports
type ExcelReporter struct {
	logger *zap.Logger
}

// NewExcelReporter creates a reporter
func NewExcelReporter(logger *zap.Logger) *ExcelReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExcelReporter{logger: logger}
}

// Input is everything one report shows
type Input struct {
	Period  entity.PayrollPeriod
	Summary *disbursement.Summary
	Lines   []payroll.Line
}

// Write renders the workbook to w
func (r *ExcelReporter) Write(w io.Writer, in Input) error {
	f, err := r.Build(in)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// Build creates the workbook: one sheet of line items and their outcome,
// one of the salary breakdown
func (r *ExcelReporter) Build(in Input) (*excelize.File, error) {
	if in.Summary == nil {
		return nil, fmt.Errorf("summary is required")
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetDisbursement); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetPayroll); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to add sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	r.writeItems(f, bold, in)
	r.writeLines(f, bold, in)

	r.logger.Info("Disbursement report built",
		zap.String("instance_id", in.Summary.InstanceID),
		zap.String("period", in.Period.Key()),
		zap.Int("items", len(in.Summary.Items)))
	return f, nil
}

func (r *ExcelReporter) writeItems(f *excelize.File, bold int, in Input) {
	s := in.Summary
	r.setRow(f, SheetDisbursement, 1, []interface{}{"Salary disbursement " + in.Period.Label()})
	r.setRow(f, SheetDisbursement, 2, []interface{}{"Instance", s.InstanceID, "Stage", string(s.Stage)})
	r.setRow(f, SheetDisbursement, 4, toRow(itemHeaders))
	_ = f.SetCellStyle(SheetDisbursement, "A1", "A1", bold)
	_ = f.SetRowStyle(SheetDisbursement, 4, 4, bold)

	row := 5
	for _, it := range s.Items {
		r.setRow(f, SheetDisbursement, row, []interface{}{
			it.PayeeID, it.PayeeName, string(it.Method), it.Account, it.BankName,
			money(it.Amount), string(it.Status), it.ProviderReference, it.FailureReason, it.RetryCount,
		})
		row++
	}

	row++
	for _, kv := range [][2]interface{}{
		{"Total", money(s.TotalAmount)},
		{"Paid", money(s.PaidAmount)},
		{"Succeeded", s.Succeeded},
		{"Failed", s.Failed},
		{"Pending manual", s.PendingManual},
	} {
		r.setRow(f, SheetDisbursement, row, []interface{}{nil, nil, nil, nil, kv[0], kv[1]})
		row++
	}
	_ = f.SetColWidth(SheetDisbursement, "A", "J", 16)
}

func (r *ExcelReporter) writeLines(f *excelize.File, bold int, in Input) {
	r.setRow(f, SheetPayroll, 1, toRow(lineHeaders))
	_ = f.SetRowStyle(SheetPayroll, 1, 1, bold)

	row := 2
	for _, l := range in.Lines {
		r.setRow(f, SheetPayroll, row, []interface{}{
			l.PayeeID, l.PayeeName, money(l.BasicSalary), money(l.Allowances), money(l.Gross),
			money(l.NSSF), money(l.NHIF), money(l.PAYE), money(l.LoanDeduction),
			money(l.TotalDeductions), money(l.Net),
		})
		row++
	}

	t := payroll.Sum(in.Lines)
	r.setRow(f, SheetPayroll, row, []interface{}{
		"Total", nil, nil, nil, money(t.Gross), nil, nil, nil, nil, money(t.Deductions), money(t.Net),
	})
	_ = f.SetRowStyle(SheetPayroll, row, row, bold)
	_ = f.SetColWidth(SheetPayroll, "A", "K", 14)
}

func (r *ExcelReporter) setRow(f *excelize.File, sheet string, row int, values []interface{}) {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		r.logger.Warn("Invalid report row", zap.Int("row", row), zap.Error(err))
		return
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		r.logger.Warn("Failed to set report row",
			zap.String("sheet", sheet),
			zap.Int("row", row),
			zap.Error(err))
	}
}

func toRow(headers []string) []interface{} {
	out := make([]interface{}, len(headers))
	for i, h := range headers {
		out[i] = h
	}
	return out
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
