package payroll

import (
	"github.com/shopspring/decimal"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
)

var (
	nssfRate       = decimal.RequireFromString("0.06")
	nssfCap        = decimal.NewFromInt(1080)
	personalRelief = decimal.NewFromInt(2400)

	payeFirstBand  = decimal.NewFromInt(24000)
	payeSecondBand = decimal.NewFromInt(32333)
	payeFirstTax   = decimal.NewFromInt(2400)
	payeSecondTax  = decimal.RequireFromString("2083.25")
	payeRate1      = decimal.RequireFromString("0.10")
	payeRate2      = decimal.RequireFromString("0.25")
	payeRate3      = decimal.RequireFromString("0.30")
)

// nhifBands maps gross pay ceilings to the monthly contribution
var nhifBands = []struct {
	upTo   int64
	amount int64
}{
	{5999, 150},
	{7999, 300},
	{11999, 400},
	{14999, 500},
	{19999, 600},
	{24999, 750},
	{29999, 850},
	{34999, 900},
	{39999, 950},
	{44999, 1000},
	{49999, 1100},
	{59999, 1200},
	{69999, 1300},
	{79999, 1400},
	{89999, 1500},
	{99999, 1600},
}

const nhifCeiling = 1700

// Line is one payee's computed salary for a period
type Line struct {
	PayeeID         string          `json:"payee_id"`
	PayeeName       string          `json:"payee_name"`
	BasicSalary     decimal.Decimal `json:"basic_salary"`
	Allowances      decimal.Decimal `json:"allowances"`
	Gross           decimal.Decimal `json:"gross"`
	NSSF            decimal.Decimal `json:"nssf"`
	NHIF            decimal.Decimal `json:"nhif"`
	PAYE            decimal.Decimal `json:"paye"`
	LoanDeduction   decimal.Decimal `json:"loan_deduction"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	Net             decimal.Decimal `json:"net"`
	Method          entity.Method   `json:"method"`
	Account         string          `json:"account"`
	BankName        string          `json:"bank_name,omitempty"`
}

// Totals aggregates the lines of a period
type Totals struct {
	Gross      decimal.Decimal `json:"gross"`
	Deductions decimal.Decimal `json:"deductions"`
	Net        decimal.Decimal `json:"net"`
}

// NSSF is 6% of gross, capped
func NSSF(gross decimal.Decimal) decimal.Decimal {
	return decimal.Min(gross.Mul(nssfRate), nssfCap).Round(2)
}

// NHIF looks up the band contribution for gross pay
func NHIF(gross decimal.Decimal) decimal.Decimal {
	for _, b := range nhifBands {
		if gross.LessThanOrEqual(decimal.NewFromInt(b.upTo)) {
			return decimal.NewFromInt(b.amount)
		}
	}
	return decimal.NewFromInt(nhifCeiling)
}

// PAYE computes income tax. Relief is taken off gross before banding and
// again off the banded tax.
func PAYE(gross decimal.Decimal) decimal.Decimal {
	taxable := gross.Sub(personalRelief)
	if !taxable.IsPositive() {
		return decimal.Zero
	}

	var tax decimal.Decimal
	switch {
	case taxable.LessThanOrEqual(payeFirstBand):
		tax = taxable.Mul(payeRate1)
	case taxable.LessThanOrEqual(payeSecondBand):
		tax = payeFirstTax.Add(taxable.Sub(payeFirstBand).Mul(payeRate2))
	default:
		tax = payeFirstTax.Add(payeSecondTax).Add(taxable.Sub(payeSecondBand).Mul(payeRate3))
	}

	return decimal.Max(decimal.Zero, tax.Sub(personalRelief)).Round(2)
}

// Calculate computes a payee's line from their compensation
func Calculate(c entity.Compensation, method entity.Method) Line {
	gross := c.BasicSalary.Add(c.Allowances)
	nssf := NSSF(gross)
	nhif := NHIF(gross)
	paye := PAYE(gross)
	deductions := nssf.Add(nhif).Add(paye).Add(c.LoanDeduction)

	return Line{
		PayeeID:         c.PayeeID,
		PayeeName:       c.PayeeName,
		BasicSalary:     c.BasicSalary,
		Allowances:      c.Allowances,
		Gross:           gross,
		NSSF:            nssf,
		NHIF:            nhif,
		PAYE:            paye,
		LoanDeduction:   c.LoanDeduction,
		TotalDeductions: deductions,
		Net:             gross.Sub(deductions),
		Method:          method,
		Account:         c.Account,
		BankName:        c.BankName,
	}
}

// Sum totals a set of lines
func Sum(lines []Line) Totals {
	t := Totals{Gross: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero}
	for _, l := range lines {
		t.Gross = t.Gross.Add(l.Gross)
		t.Deductions = t.Deductions.Add(l.TotalDeductions)
		t.Net = t.Net.Add(l.Net)
	}
	return t
}
