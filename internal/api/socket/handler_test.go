package socket

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/liliang-cn/livedesk/internal/api/respond"
	"github.com/liliang-cn/livedesk/internal/domain"
	"go.uber.org/zap"
)

func TestErrorForHidesInternalErrors(t *testing.T) {
	h := &Handler{logger: zap.NewNop()}

	got := h.errorFor(ActionCloseChat, errors.New("disk I/O error at /var/lib/livedesk.db"))
	if got.Status != http.StatusInternalServerError || got.Error != respond.InternalErrorMessage {
		t.Fatalf("internal error frame = %+v", got)
	}

	err := fmt.Errorf("session s1 is CLOSED: %w", domain.ErrInvalidState)
	got = h.errorFor(ActionUserMessage, err)
	if got.Status != http.StatusConflict || got.Error != err.Error() || got.Action != ActionUserMessage {
		t.Fatalf("conflict frame = %+v", got)
	}
}
