package service

import (
	"context"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
)

// Publisher fans events out to realtime channels
type Publisher interface {
	Publish(channel, eventType string, data any)
}

// Notifier delivers operator notifications out of band
type Notifier interface {
	Notify(ctx context.Context, op *domain.Operator, n domain.Notification) error
}

// MessagePayload carries one appended message
type MessagePayload struct {
	SessionID string         `json:"session_id"`
	Message   domain.Message `json:"message"`
}

// AssignmentPayload describes a (re)assignment of a session
type AssignmentPayload struct {
	SessionID          string `json:"session_id"`
	OperatorID         string `json:"operator_id"`
	OperatorName       string `json:"operator_name,omitempty"`
	PreviousOperatorID string `json:"previous_operator_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
	UserName           string `json:"user_name,omitempty"`
}

// ClosedPayload is sent when a session closes
type ClosedPayload struct {
	SessionID  string             `json:"session_id"`
	Reason     domain.CloseReason `json:"reason"`
	OperatorID string             `json:"operator_id,omitempty"`
}

// WarningPayload announces an upcoming inactivity close
type WarningPayload struct {
	SessionID string    `json:"session_id"`
	ClosesAt  time.Time `json:"closes_at"`
}

// DisconnectedPayload tells the user the operator is gone
type DisconnectedPayload struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
	Pending    bool   `json:"pending"`
}

// JoinedPayload is sent when an operator opens a chat
type JoinedPayload struct {
	SessionID    string `json:"session_id"`
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
}

// StatusPayload announces an operator presence change
type StatusPayload struct {
	OperatorID string `json:"operator_id"`
	Online     bool   `json:"online"`
	Reason     string `json:"reason,omitempty"`
}
