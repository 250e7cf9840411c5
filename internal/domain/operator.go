package domain

import "time"

// Role is an operator's access level
type Role string

// Roles
const (
	RoleOperator Role = "OPERATOR"
	RoleAdmin    Role = "ADMIN"
)

// Capability is a permission granted by a role
type Capability string

// Capabilities
const (
	// CapHandleChats allows taking and answering assigned chats.
	CapHandleChats Capability = "handle_chats"
	// CapSuperviseChats allows acting on chats assigned to someone else.
	CapSuperviseChats Capability = "supervise_chats"
)

var roleCapabilities = map[Role][]Capability{
	RoleOperator: {CapHandleChats},
	RoleAdmin:    {CapHandleChats, CapSuperviseChats},
}

// Can reports whether the role grants the capability
func (r Role) Can(c Capability) bool {
	for _, have := range roleCapabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// Operator is a human agent that can be assigned sessions
type Operator struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Role              Role      `json:"role"`
	IsOnline          bool      `json:"is_online"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	TotalChatsHandled int64     `json:"total_chats_handled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Identity is the verified caller of an operator-scoped action
type Identity struct {
	OperatorID string
	Role       Role
}

// Can reports whether the identity holds the capability
func (i Identity) Can(c Capability) bool {
	return i.Role.Can(c)
}

// Notification is an out-of-band event delivered to an operator
type Notification struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// CreateOperatorRequest registers an operator
type CreateOperatorRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
	Role  Role   `json:"role"`
}

// OperatorStatusRequest toggles presence
type OperatorStatusRequest struct {
	Online bool `json:"online"`
}
