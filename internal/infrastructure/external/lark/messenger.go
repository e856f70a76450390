package lark

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
)

const defaultReceiveIDType = "open_id"

// MessageSender is the slice of the IM API the messenger needs
type MessageSender interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
}

// Messenger implements port.Messenger over Lark IM text messages
type Messenger struct {
	sender        MessageSender
	receiveIDType string
	logger        *zap.Logger
}

var _ port.Messenger = (*Messenger)(nil)

// NewMessenger creates a new Lark messenger
func NewMessenger(sender MessageSender, receiveIDType string, logger *zap.Logger) *Messenger {
	if receiveIDType == "" {
		receiveIDType = defaultReceiveIDType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{
		sender:        sender,
		receiveIDType: receiveIDType,
		logger:        logger,
	}
}

// Notify sends message to the contact's Lark id. Contacts without one are
// reported as unreachable.
func (m *Messenger) Notify(ctx context.Context, contact port.Contact, message string) (bool, error) {
	if contact.ReceiveID == "" {
		return false, nil
	}
	if message == "" {
		return false, fmt.Errorf("message cannot be empty")
	}

	content, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return false, fmt.Errorf("failed to marshal message content: %w", err)
	}

	messageID, err := m.sender.SendMessage(ctx, m.receiveIDType, contact.ReceiveID, "text", string(content))
	if err != nil {
		return false, fmt.Errorf("failed to notify %s: %w", contact.Name, err)
	}

	m.logger.Info("Notification sent",
		zap.String("channel", "lark"),
		zap.String("receive_id", contact.ReceiveID),
		zap.String("message_id", messageID))
	return true, nil
}
