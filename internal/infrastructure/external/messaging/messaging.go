// Package messaging holds channel-agnostic Messenger implementations
package messaging

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
)

// LogMessenger writes every notification to the log. It stands in for a
// real channel in development and counts as a delivery.
type LogMessenger struct {
	logger *zap.Logger
}

var _ port.Messenger = (*LogMessenger)(nil)

// NewLogMessenger creates a log-only messenger
func NewLogMessenger(logger *zap.Logger) *LogMessenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMessenger{logger: logger}
}

// Notify logs the message and reports it delivered
func (m *LogMessenger) Notify(_ context.Context, contact port.Contact, message string) (bool, error) {
	if contact.Phone == "" && contact.ReceiveID == "" {
		return false, nil
	}
	m.logger.Info("Notification",
		zap.String("channel", "log"),
		zap.String("to", contact.Name),
		zap.String("phone", contact.Phone),
		zap.String("receive_id", contact.ReceiveID),
		zap.String("message", message))
	return true, nil
}

// Fanout tries each messenger in order until one delivers
type Fanout []port.Messenger

var _ port.Messenger = Fanout(nil)

// Notify stops at the first delivery. It returns the joined errors only when
// no messenger delivered.
func (f Fanout) Notify(ctx context.Context, contact port.Contact, message string) (bool, error) {
	var errs []error
	for _, m := range f {
		ok, err := m.Notify(ctx, contact, message)
		if ok {
			return true, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return false, errors.Join(errs...)
}
