package workflow

// ProcessType identifies a family of workflow definitions
type ProcessType string

const (
	ProcessAttendance ProcessType = "attendance"
	ProcessPayroll    ProcessType = "payroll"
)

// String returns the string representation of the process type
func (p ProcessType) String() string {
	return string(p)
}

// Stage is a named point in a process lifecycle
type Stage string

// String returns the string representation of the stage
func (s Stage) String() string {
	return string(s)
}

// Status is the coarse lifecycle marker of an instance
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusPartial:    true,
	StatusRejected:   true,
	StatusCancelled:  true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusPartial:   true,
	StatusRejected:  true,
	StatusCancelled: true,
}

// activeStatuses can still move and therefore block a second instance
// for the same reference
var activeStatuses = map[Status]bool{
	StatusInProgress: true,
	StatusPartial:    true,
	StatusRejected:   true,
}

// IsTerminal returns true if only declared recovery edges may leave this status
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsActive returns true if an instance in this status still occupies its reference
func (s Status) IsActive() bool {
	return activeStatuses[s]
}

// IsValid returns true if the status is a known status
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// ActiveStatuses lists the statuses that occupy a reference
func ActiveStatuses() []Status {
	return []Status{StatusInProgress, StatusPartial, StatusRejected}
}
