// Package attendance defines the daily class attendance process: collection,
// teacher verification, commit to student records, guardian notification of
// absentees and a summary report.
package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// ProcessType identifies attendance instances
const ProcessType domainwf.ProcessType = "attendance"

// ReferenceType is the reference kind of an attendance instance
const ReferenceType = "attendance_session"

// Stages
const (
	StageCollection   domainwf.Stage = "collection"
	StageVerification domainwf.Stage = "verification"
	StageRecording    domainwf.Stage = "recording"
	StageNotification domainwf.Stage = "notification"
	StageReport       domainwf.Stage = "report"
)

// Capabilities
const (
	CapSubmit = "submit-attendance"
	CapVerify = "verify-attendance"
	CapNotify = "notify-guardians"
	CapReport = "report-attendance"
)

const dateLayout = "2006-01-02"

// Definition returns the attendance process definition
func Definition() *domainwf.Definition {
	b := domainwf.NewBuilder(ProcessType).
		Initial(StageCollection).
		Stages(StageCollection, StageVerification, StageRecording, StageNotification, StageReport).
		Status(StageReport, domainwf.StatusCompleted).
		StartCapability(CapSubmit).
		MergeList("rows", domainwf.ListRule{Mode: domainwf.ListUpsert, Key: "student_id"})

	b.Configure(StageCollection).Permit(StageVerification, CapSubmit)
	b.Configure(StageVerification).
		Permit(StageRecording, CapVerify).
		Permit(StageCollection, CapVerify)
	b.Configure(StageRecording).Permit(StageNotification, CapNotify)
	b.Configure(StageNotification).Permit(StageReport, CapReport)

	return domainwf.MustBuild(b)
}

// Summary is the attendance tally written on entering report
type Summary struct {
	Total                int     `json:"total"`
	Present              int     `json:"present"`
	Absent               int     `json:"absent"`
	Late                 int     `json:"late"`
	Excused              int     `json:"excused"`
	AttendancePercentage float64 `json:"attendance_percentage"`
}

// Attendance carries the collaborators the attendance hooks call
type Attendance struct {
	records   port.StudentRecords
	guardians port.GuardianDirectory
	messenger port.Messenger
	logger    *zap.Logger
	now       func() time.Time
}

// New creates the attendance process behaviour
func New(records port.StudentRecords, guardians port.GuardianDirectory, messenger port.Messenger, logger *zap.Logger) *Attendance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Attendance{
		records:   records,
		guardians: guardians,
		messenger: messenger,
		logger:    logger,
		now:       time.Now,
	}
}

// Process bundles the definition with guards and hooks
func (a *Attendance) Process() workflow.Process {
	return workflow.Process{
		Definition: Definition(),
		Prepare:    a.prepare,
		Guards: map[domainwf.Stage]workflow.GuardFunc{
			StageVerification: a.guardVerification,
		},
		Hooks: map[domainwf.Stage]workflow.HookFunc{
			StageRecording:    a.onRecording,
			StageNotification: a.onNotification,
			StageReport:       a.onReport,
		},
	}
}

func (a *Attendance) prepare(_ context.Context, req *workflow.StartRequest) error {
	session := sessionOf(req.Payload)
	if session.ClassID == "" || session.Date == "" {
		return domainwf.ValidationFailed("class_id and date are required")
	}
	if _, err := time.Parse(dateLayout, session.Date); err != nil {
		return domainwf.ValidationFailed("date %q must be YYYY-MM-DD", session.Date)
	}

	req.ReferenceType = ReferenceType
	req.ReferenceID = session.ClassID + ":" + session.Date
	return nil
}

func (a *Attendance) guardVerification(_ context.Context, inst *entity.WorkflowInstance, _ map[string]interface{}) error {
	rows, err := rowsOf(inst.Payload)
	if err != nil {
		return domainwf.ValidationFailed("rows are malformed: %v", err)
	}
	if len(rows) == 0 {
		return domainwf.ValidationFailed("attendance rows are required")
	}

	var bad []string
	for _, r := range rows {
		if r.StudentID == "" {
			return domainwf.ValidationFailed("every row needs a student_id")
		}
		if !entity.IsAttendanceStatus(r.Status) {
			bad = append(bad, fmt.Sprintf("%s=%q", r.StudentID, r.Status))
		}
	}
	if len(bad) > 0 {
		return domainwf.ValidationFailed("invalid attendance status: %s", strings.Join(bad, ", "))
	}
	return nil
}

func (a *Attendance) onRecording(ctx context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
	rows, err := rowsOf(inst.Payload)
	if err != nil {
		return nil, err
	}
	session := sessionOf(inst.Payload)

	n, err := a.records.CommitAttendance(ctx, inst.ID, session, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to commit attendance: %w", err)
	}

	absent := make([]string, 0)
	for _, r := range rows {
		if r.Status == entity.AttendanceAbsent {
			absent = append(absent, r.StudentID)
		}
	}

	a.logger.Info("Attendance recorded",
		zap.String("instance_id", inst.ID),
		zap.String("class_id", session.ClassID),
		zap.String("date", session.Date),
		zap.Int("recorded", n),
		zap.Int("absent", len(absent)))

	return map[string]interface{}{
		"absent_student_ids": absent,
		"recorded_count":     n,
		"recorded_at":        a.now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *Attendance) onNotification(ctx context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
	var absent []string
	if err := domainwf.DecodePayload(inst.Payload, "absent_student_ids", &absent); err != nil {
		return nil, err
	}
	rows, err := rowsOf(inst.Payload)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(rows))
	for _, r := range rows {
		names[r.StudentID] = r.Name
	}
	session := sessionOf(inst.Payload)

	sent, skipped, failed := 0, 0, 0
	for _, studentID := range absent {
		contact, err := a.guardians.ContactFor(ctx, studentID)
		if err != nil {
			a.logger.Error("Failed to resolve guardian",
				zap.String("instance_id", inst.ID),
				zap.String("student_id", studentID),
				zap.Error(err))
			failed++
			continue
		}
		if contact == nil {
			skipped++
			continue
		}

		ok, err := a.messenger.Notify(ctx, port.Contact{
			Name:      contact.Name,
			Phone:     contact.Phone,
			ReceiveID: contact.ReceiveID,
		}, absenceMessage(contact.Name, studentName(names, studentID), session))
		if err != nil || !ok {
			a.logger.Warn("Guardian notification not delivered",
				zap.String("instance_id", inst.ID),
				zap.String("student_id", studentID),
				zap.Error(err))
			failed++
			continue
		}
		sent++
	}

	a.logger.Info("Guardians notified",
		zap.String("instance_id", inst.ID),
		zap.Int("sent", sent),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed))

	return map[string]interface{}{
		"notifications_sent":    sent,
		"notifications_skipped": skipped,
		"notifications_failed":  failed,
	}, nil
}

func (a *Attendance) onReport(_ context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error) {
	rows, err := rowsOf(inst.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"summary": Summarize(rows)}, nil
}

// Summarize tallies rows. The percentage counts late students as attending.
func Summarize(rows []entity.AttendanceRow) Summary {
	var s Summary
	for _, r := range rows {
		s.Total++
		switch r.Status {
		case entity.AttendancePresent:
			s.Present++
		case entity.AttendanceAbsent:
			s.Absent++
		case entity.AttendanceLate:
			s.Late++
		case entity.AttendanceExcused:
			s.Excused++
		}
	}
	if s.Total > 0 {
		pct := decimal.NewFromInt(int64(s.Present + s.Late)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(s.Total))).
			Round(2)
		s.AttendancePercentage = pct.InexactFloat64()
	}
	return s
}

func sessionOf(p map[string]interface{}) entity.AttendanceSession {
	return entity.AttendanceSession{
		ClassID: strings.TrimSpace(domainwf.PayloadString(p, "class_id")),
		Date:    strings.TrimSpace(domainwf.PayloadString(p, "date")),
	}
}

func rowsOf(p map[string]interface{}) ([]entity.AttendanceRow, error) {
	var rows []entity.AttendanceRow
	if _, ok := p["rows"]; !ok {
		return nil, nil
	}
	if err := domainwf.DecodePayload(p, "rows", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func studentName(names map[string]string, id string) string {
	if n := names[id]; n != "" {
		return n
	}
	return id
}

func absenceMessage(guardian, student string, s entity.AttendanceSession) string {
	return fmt.Sprintf("Dear %s, %s was marked absent from class %s on %s. Please contact the school if this is unexpected.",
		guardian, student, s.ClassID, s.Date)
}
