package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
)

// PermissionOracle answers whether an actor holds a capability
type PermissionOracle interface {
	Authorized(ctx context.Context, actorID, capability string) (bool, error)
}

// PaymentRequest is one outbound payment
type PaymentRequest struct {
	PayeeID        string
	Method         entity.Method
	Account        string
	BankName       string
	Amount         decimal.Decimal
	Memo           string
	IdempotencyKey string
}

// PaymentResult is the gateway's answer to a dispatch
type PaymentResult struct {
	Success           bool
	ProviderReference string
	RawResponse       string
}

// PaymentGateway sends money through one payment rail. A non-nil error means
// the outcome is unknown; a result with Success false is a definite rejection.
type PaymentGateway interface {
	Name() string
	Dispatch(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	CheckBalance(ctx context.Context) (decimal.Decimal, error)
}

// Contact is a message recipient
type Contact struct {
	Name      string
	Phone     string
	ReceiveID string
}

// Messenger delivers a text notification. It returns false, nil when the
// contact could not be reached through any channel it knows.
type Messenger interface {
	Notify(ctx context.Context, contact Contact, message string) (bool, error)
}

// StudentRecords stores committed attendance
type StudentRecords interface {
	CommitAttendance(ctx context.Context, instanceID string, session entity.AttendanceSession, rows []entity.AttendanceRow) (int, error)
}

// GuardianDirectory resolves a student's guardian; nil, nil when none is on file
type GuardianDirectory interface {
	ContactFor(ctx context.Context, studentID string) (*entity.GuardianContact, error)
}

// CompensationSource lists the pay components of every payee for a period
type CompensationSource interface {
	ListCompensation(ctx context.Context, period entity.PayrollPeriod) ([]entity.Compensation, error)
}
