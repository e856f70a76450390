package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Attendance marks
const (
	AttendancePresent = "present"
	AttendanceAbsent  = "absent"
	AttendanceLate    = "late"
	AttendanceExcused = "excused"
)

var attendanceStatuses = map[string]bool{
	AttendancePresent: true,
	AttendanceAbsent:  true,
	AttendanceLate:    true,
	AttendanceExcused: true,
}

// IsAttendanceStatus reports whether s is a known attendance mark
func IsAttendanceStatus(s string) bool {
	return attendanceStatuses[s]
}

// AttendanceRow is one student's mark within a session
type AttendanceRow struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
}

// AttendanceSession identifies a class on a date
type AttendanceSession struct {
	ClassID string `json:"class_id"`
	Date    string `json:"date"`
}

// AttendanceRecord is a committed attendance mark
type AttendanceRecord struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	ClassID    string    `json:"class_id"`
	Date       string    `json:"date"`
	StudentID  string    `json:"student_id"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recorded_at"`
}

// GuardianContact is how a student's guardian is reached
type GuardianContact struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	ReceiveID string `json:"receive_id,omitempty"`
}

// Compensation is one payee's pay components for a period
type Compensation struct {
	PayeeID         string          `json:"payee_id"`
	PayeeName       string          `json:"payee_name"`
	BasicSalary     decimal.Decimal `json:"basic_salary"`
	Allowances      decimal.Decimal `json:"allowances"`
	LoanDeduction   decimal.Decimal `json:"loan_deduction"`
	PreferredMethod string          `json:"preferred_method"`
	Account         string          `json:"account"`
	BankName        string          `json:"bank_name,omitempty"`
}

// PayrollPeriod is a calendar month
type PayrollPeriod struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Key returns the period as YYYY-MM
func (p PayrollPeriod) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Label returns the period as "Month Year", e.g. "April 2026"
func (p PayrollPeriod) Label() string {
	return fmt.Sprintf("%s %d", time.Month(p.Month).String(), p.Year)
}

// Valid reports whether the month is 1-12 and the year positive
func (p PayrollPeriod) Valid() bool {
	return p.Month >= 1 && p.Month <= 12 && p.Year > 0
}
