// Package assignment selects which operator receives a session.
package assignment

import "github.com/liliang-cn/livedesk/internal/domain"

// LeastBusy returns the online operator with the fewest handled chats,
// breaking ties by ascending ID. Operators whose ID equals exclude are
// skipped. It returns nil when no candidate remains.
func LeastBusy(operators []*domain.Operator, exclude string) *domain.Operator {
	var best *domain.Operator
	for _, op := range operators {
		if op == nil || !op.IsOnline || op.ID == exclude {
			continue
		}
		if !op.Role.Can(domain.CapHandleChats) {
			continue
		}
		if best == nil || less(op, best) {
			best = op
		}
	}
	return best
}

func less(a, b *domain.Operator) bool {
	if a.TotalChatsHandled != b.TotalChatsHandled {
		return a.TotalChatsHandled < b.TotalChatsHandled
	}
	return a.ID < b.ID
}
