package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/sqlite"
)

// RecordsRepository implements the institution collaborator ports:
// attendance register, guardian directory and staff compensation
type RecordsRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRecordsRepository creates a new records repository
func NewRecordsRepository(db *sqlite.DB, logger *zap.Logger) *RecordsRepository {
	return &RecordsRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// CommitAttendance replaces the stored rows of one class session
func (r *RecordsRepository) CommitAttendance(ctx context.Context, instanceID string, session entity.AttendanceSession, rows []entity.AttendanceRow) (int, error) {
	err := r.db.WithTransaction(ctx, func(txCtx context.Context) error {
		exec := r.db.Conn(txCtx)
		if _, err := exec.ExecContext(txCtx,
			`DELETE FROM attendance_records WHERE class_id = ? AND date = ?`,
			session.ClassID, session.Date); err != nil {
			return sqlite.Classify(fmt.Errorf("failed to clear attendance: %w", err))
		}

		now := r.now().UTC()
		for _, row := range rows {
			_, err := exec.ExecContext(txCtx, `
				INSERT INTO attendance_records (instance_id, class_id, date, student_id, status, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (class_id, date, student_id) DO UPDATE SET status = excluded.status
			`, instanceID, session.ClassID, session.Date, row.StudentID, row.Status, now)
			if err != nil {
				return sqlite.Classify(fmt.Errorf("failed to record attendance for %s: %w", row.StudentID, err))
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to commit attendance",
			zap.String("instance_id", instanceID),
			zap.String("class_id", session.ClassID),
			zap.String("date", session.Date),
			zap.Error(err))
		return 0, err
	}
	return len(rows), nil
}

// Attendance returns the committed rows of a session sorted by student
func (r *RecordsRepository) Attendance(ctx context.Context, session entity.AttendanceSession) ([]*entity.AttendanceRecord, error) {
	query := `
		SELECT id, instance_id, class_id, date, student_id, status, recorded_at
		FROM attendance_records
		WHERE class_id = ? AND date = ?
		ORDER BY student_id ASC
	`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, session.ClassID, session.Date)
	if err != nil {
		return nil, sqlite.Classify(fmt.Errorf("failed to list attendance: %w", err))
	}
	defer rows.Close()

	var records []*entity.AttendanceRecord
	for rows.Next() {
		var rec entity.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.ClassID, &rec.Date, &rec.StudentID, &rec.Status, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// PutGuardian inserts or replaces a guardian contact
func (r *RecordsRepository) PutGuardian(ctx context.Context, c entity.GuardianContact) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO guardians (student_id, name, phone, receive_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (student_id) DO UPDATE SET
			name = excluded.name, phone = excluded.phone, receive_id = excluded.receive_id
	`, c.StudentID, c.Name, c.Phone, c.ReceiveID)
	if err != nil {
		return sqlite.Classify(fmt.Errorf("failed to save guardian: %w", err))
	}
	return nil
}

// ContactFor returns the guardian of a student or nil
func (r *RecordsRepository) ContactFor(ctx context.Context, studentID string) (*entity.GuardianContact, error) {
	var c entity.GuardianContact
	err := r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT student_id, name, phone, receive_id FROM guardians WHERE student_id = ?`, studentID,
	).Scan(&c.StudentID, &c.Name, &c.Phone, &c.ReceiveID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get guardian", zap.String("student_id", studentID), zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to get guardian: %w", err))
	}
	return &c, nil
}

// PutCompensation replaces the compensation list of a period
func (r *RecordsRepository) PutCompensation(ctx context.Context, period entity.PayrollPeriod, comp []entity.Compensation) error {
	return r.db.WithTransaction(ctx, func(txCtx context.Context) error {
		exec := r.db.Conn(txCtx)
		if _, err := exec.ExecContext(txCtx, `DELETE FROM staff_compensation WHERE period = ?`, period.Key()); err != nil {
			return sqlite.Classify(fmt.Errorf("failed to clear compensation: %w", err))
		}
		for _, c := range comp {
			_, err := exec.ExecContext(txCtx, `
				INSERT INTO staff_compensation (
					period, payee_id, payee_name, basic_salary, allowances, loan_deduction,
					preferred_method, account, bank_name
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, period.Key(), c.PayeeID, c.PayeeName, c.BasicSalary, c.Allowances, c.LoanDeduction,
				c.PreferredMethod, c.Account, c.BankName)
			if err != nil {
				return sqlite.Classify(fmt.Errorf("failed to save compensation for %s: %w", c.PayeeID, err))
			}
		}
		return nil
	})
}

// ListCompensation returns the compensation list of a period ordered by payee
func (r *RecordsRepository) ListCompensation(ctx context.Context, period entity.PayrollPeriod) ([]entity.Compensation, error) {
	query := `
		SELECT payee_id, payee_name, basic_salary, allowances, loan_deduction,
			preferred_method, account, bank_name
		FROM staff_compensation
		WHERE period = ?
		ORDER BY payee_id ASC
	`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, period.Key())
	if err != nil {
		r.logger.Error("Failed to list compensation", zap.String("period", period.Key()), zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to list compensation: %w", err))
	}
	defer rows.Close()

	comp := []entity.Compensation{}
	for rows.Next() {
		var c entity.Compensation
		err := rows.Scan(&c.PayeeID, &c.PayeeName, &c.BasicSalary, &c.Allowances, &c.LoanDeduction,
			&c.PreferredMethod, &c.Account, &c.BankName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compensation: %w", err)
		}
		comp = append(comp, c)
	}
	return comp, rows.Err()
}

// Verify interface compliance
var (
	_ port.StudentRecords     = (*RecordsRepository)(nil)
	_ port.GuardianDirectory  = (*RecordsRepository)(nil)
	_ port.CompensationSource = (*RecordsRepository)(nil)
)
