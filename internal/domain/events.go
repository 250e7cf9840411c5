package domain

// Session channel events
const (
	EventChatJoined           = "chat_joined"
	EventMessageSent          = "message_sent"
	EventOperatorMessage      = "operator_message"
	EventOperatorJoined       = "operator_joined"
	EventOperatorChanged      = "operator_changed"
	EventOperatorDisconnected = "operator_disconnected"
	EventTimeoutWarning       = "timeout_warning"
	EventChatClosed           = "chat_closed"
)

// Operator channel events
const (
	EventNewChatRequest = "new_chat_request"
	EventChatReassigned = "chat_reassigned"
	EventUserMessage    = "user_message"
)

// Dashboard channel events
const (
	EventChatAssigned          = "chat_assigned"
	EventOperatorStatusChanged = "operator_status_changed"
	EventMessageReceived       = "message_received"
)

// Reassignment reasons carried on operator_changed and chat_reassigned
const (
	ReasonTransfer        = "transfer"
	ReasonOperatorTimeout = "operator_timeout"
	ReasonOperatorOffline = "operator_offline"
	// ReasonOperatorAvailable picks up a WAITING session once someone is online.
	ReasonOperatorAvailable = "operator_available"
)
