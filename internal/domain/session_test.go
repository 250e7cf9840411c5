package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusActive, StatusWaiting, true},
		{StatusActive, StatusWithOperator, true},
		{StatusActive, StatusClosed, true},
		{StatusWaiting, StatusWithOperator, true},
		{StatusWaiting, StatusActive, false},
		{StatusWithOperator, StatusWaiting, true},
		{StatusWithOperator, StatusActive, false},
		{StatusClosed, StatusActive, false},
		{StatusClosed, StatusClosed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRoleCapabilities(t *testing.T) {
	if !RoleOperator.Can(CapHandleChats) {
		t.Fatal("operator should handle chats")
	}
	if RoleOperator.Can(CapSuperviseChats) {
		t.Fatal("operator should not supervise chats")
	}
	if !RoleAdmin.Can(CapSuperviseChats) {
		t.Fatal("admin should supervise chats")
	}
	if Role("GUEST").Valid() {
		t.Fatal("unknown role reported valid")
	}
}
