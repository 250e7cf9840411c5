package domain

import "time"

// SessionStatus is the lifecycle state of a session
type SessionStatus string

// Session statuses
const (
	StatusActive        SessionStatus = "ACTIVE"
	StatusWaiting       SessionStatus = "WAITING"
	StatusWithOperator  SessionStatus = "WITH_OPERATOR"
	StatusClosed        SessionStatus = "CLOSED"
	StatusTicketCreated SessionStatus = "TICKET_CREATED"
)

// transitions lists the legal targets for every non-terminal status.
var transitions = map[SessionStatus][]SessionStatus{
	StatusActive:       {StatusWaiting, StatusWithOperator, StatusClosed},
	StatusWaiting:      {StatusWithOperator, StatusClosed},
	StatusWithOperator: {StatusWaiting, StatusClosed},
}

// CanTransition reports whether a session may move from one status to another
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are accepted
func (s SessionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusTicketCreated
}

// Valid reports whether s is a known status
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusWithOperator, StatusClosed, StatusTicketCreated:
		return true
	}
	return false
}

// MessageKind identifies who authored a message
type MessageKind string

// Message kinds
const (
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindOperator  MessageKind = "operator"
	KindSystem    MessageKind = "system"
)

// CloseReason explains why a session was closed
type CloseReason string

// Close reasons
const (
	CloseByOperator CloseReason = "operator"
	CloseByTimeout  CloseReason = "timeout"
)

// Session represents one support conversation
type Session struct {
	ID             string        `json:"id"`
	UserName       string        `json:"user_name,omitempty"`
	Status         SessionStatus `json:"status"`
	OperatorID     string        `json:"operator_id,omitempty"`
	LastOperatorID string        `json:"last_operator_id,omitempty"`
	Messages       []Message     `json:"messages"`
	Version        int64         `json:"version"`
	LastMessageAt  time.Time     `json:"last_message_at"`
	WarnedAt       *time.Time    `json:"warned_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}

// Message is one entry of a session's append-only history
type Message struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Seq             int64       `json:"seq"`
	Kind            MessageKind `json:"kind"`
	Content         string      `json:"content"`
	OperatorName    string      `json:"operator_name,omitempty"`
	Confidence      *float64    `json:"confidence,omitempty"`
	SuggestOperator bool        `json:"suggest_operator,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// SessionFilter narrows session listings
type SessionFilter struct {
	Statuses   []SessionStatus
	OperatorID string
	Limit      int
}

// Reply is what the response generator produces for a user message
type Reply struct {
	Content         string  `json:"content"`
	Confidence      float64 `json:"confidence"`
	SuggestOperator bool    `json:"suggest_operator"`
}

// CreateSessionRequest is the request to open a session
type CreateSessionRequest struct {
	UserName string `json:"user_name,omitempty"`
}

// UserMessageRequest is the request to post a user message
type UserMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// OperatorMessageRequest is the request to post an operator message
type OperatorMessageRequest struct {
	OperatorID string `json:"operator_id"`
	Content    string `json:"content" binding:"required"`
}

// TransferRequest moves a session to another operator
type TransferRequest struct {
	FromOperatorID string `json:"from_operator_id" binding:"required"`
	ToOperatorID   string `json:"to_operator_id" binding:"required"`
}

// AssignmentResult is the outcome of an operator request
type AssignmentResult struct {
	Unavailable bool      `json:"unavailable"`
	Operator    *Operator `json:"operator,omitempty"`
	Session     *Session  `json:"session,omitempty"`
}
