package payroll

import (
	"fmt"
	"time"
)

// Window is the range of days of the month in which salaries may be paid out
type Window struct {
	StartDay int
	EndDay   int
}

// DefaultWindow covers the last week of the month
var DefaultWindow = Window{StartDay: 24, EndDay: 31}

// Contains returns true if t falls inside the window. Either bound past the
// month's length means the last day of that month, so a 29-31 window opens
// on 28 February.
func (w Window) Contains(t time.Time) bool {
	last := daysIn(t.Year(), t.Month())
	d := t.Day()
	return d >= min(w.StartDay, last) && d <= min(w.EndDay, last)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Validate checks the day bounds
func (w Window) Validate() error {
	if w.StartDay < 1 || w.StartDay > 31 || w.EndDay < 1 || w.EndDay > 31 {
		return fmt.Errorf("window days must be within 1-31, got %d-%d", w.StartDay, w.EndDay)
	}
	if w.StartDay > w.EndDay {
		return fmt.Errorf("window start day %d is after end day %d", w.StartDay, w.EndDay)
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("days %d-%d", w.StartDay, w.EndDay)
}
