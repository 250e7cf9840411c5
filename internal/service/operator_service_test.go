package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/liliang-cn/livedesk/internal/realtime"
)

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	op, err := f.svc.Register(ctx, domain.CreateOperatorRequest{Name: " Ana ", Email: "Ana@Example.com"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if op.Name != "Ana" || op.Email != "ana@example.com" || op.Role != domain.RoleOperator || op.IsOnline {
		t.Fatalf("operator = %+v", op)
	}

	bad := []domain.CreateOperatorRequest{
		{Name: "", Email: "x@example.com"},
		{Name: "x", Email: "not-an-email"},
		{Name: "x", Email: "x@example.com", Role: "ROOT"},
	}
	for _, req := range bad {
		if _, err := f.svc.Register(ctx, req); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("Register(%+v): expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

func TestHeartbeatBringsOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	op := f.operator(t, "ana", 0, false)

	if err := f.svc.Heartbeat(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Heartbeat(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Operator(ctx, op.ID)
	if !got.IsOnline {
		t.Fatal("operator should be online")
	}
	if n := len(f.events.find(realtime.DashboardChannel, domain.EventOperatorStatusChanged)); n != 1 {
		t.Fatalf("status events = %d, want 1", n)
	}
	if err := f.svc.Heartbeat(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGoingOfflineReassigns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ana := f.operator(t, "ana", 0, true)
	bob := f.operator(t, "bob", 3, true)
	s := f.session(t)
	if _, err := f.svc.RequestOperator(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.SetStatus(ctx, ana.ID, false); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := f.svc.Get(ctx, s.ID)
	if got.Status != domain.StatusWithOperator || got.OperatorID != bob.ID {
		t.Fatalf("session = %+v", got)
	}
	changed := f.events.find(realtime.SessionChannel(s.ID), domain.EventOperatorChanged)
	if len(changed) != 1 || changed[0].Data.(AssignmentPayload).Reason != domain.ReasonOperatorOffline {
		t.Fatalf("operator_changed events = %+v", changed)
	}
	if len(f.events.find(realtime.OperatorChannel(bob.ID), domain.EventChatReassigned)) != 1 {
		t.Fatal("new operator not told about the chat")
	}

	// Already offline, nothing happens.
	if err := f.svc.SetStatus(ctx, ana.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetStatus(ctx, "missing", false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()

	t.Run("reassigns to another operator", func(t *testing.T) {
		f := newFixture(t, nil)
		ana := f.operator(t, "ana", 0, true)
		s := f.session(t)
		if _, err := f.svc.RequestOperator(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(31 * time.Second)
		bob := f.operator(t, "bob", 7, true)

		evicted, err := f.svc.EvictStale(ctx, ana.ID, f.clock.Now().Add(-30*time.Second))
		if err != nil || !evicted {
			t.Fatalf("EvictStale: %v %v", evicted, err)
		}
		got, _ := f.svc.Get(ctx, s.ID)
		if got.OperatorID != bob.ID || got.Status != domain.StatusWithOperator {
			t.Fatalf("session = %+v", got)
		}
		changed := f.events.find(realtime.SessionChannel(s.ID), domain.EventOperatorChanged)
		if len(changed) != 1 || changed[0].Data.(AssignmentPayload).Reason != domain.ReasonOperatorTimeout {
			t.Fatalf("operator_changed events = %+v", changed)
		}
	})

	t.Run("parks session when nobody is online", func(t *testing.T) {
		f := newFixture(t, nil)
		ana := f.operator(t, "ana", 0, true)
		s := f.session(t)
		if _, err := f.svc.RequestOperator(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(31 * time.Second)

		evicted, err := f.svc.EvictStale(ctx, ana.ID, f.clock.Now().Add(-30*time.Second))
		if err != nil || !evicted {
			t.Fatalf("EvictStale: %v %v", evicted, err)
		}
		got, _ := f.svc.Get(ctx, s.ID)
		if got.Status != domain.StatusWaiting || got.OperatorID != "" {
			t.Fatalf("session = %+v", got)
		}
		gone := f.events.find(realtime.SessionChannel(s.ID), domain.EventOperatorDisconnected)
		if len(gone) != 1 || !gone[0].Data.(DisconnectedPayload).Pending {
			t.Fatalf("operator_disconnected events = %+v", gone)
		}

		// A waiting session can be picked up again.
		f.operator(t, "bob", 0, true)
		res, err := f.svc.RequestOperator(ctx, s.ID)
		if err != nil || res.Unavailable {
			t.Fatalf("RequestOperator from WAITING: %+v %v", res, err)
		}
	})

	t.Run("fresh heartbeat wins", func(t *testing.T) {
		f := newFixture(t, nil)
		ana := f.operator(t, "ana", 0, true)
		f.clock.Advance(31 * time.Second)
		cutoff := f.clock.Now().Add(-30 * time.Second)
		if err := f.svc.Heartbeat(ctx, ana.ID); err != nil {
			t.Fatal(err)
		}

		evicted, err := f.svc.EvictStale(ctx, ana.ID, cutoff)
		if err != nil || evicted {
			t.Fatalf("EvictStale after heartbeat: %v %v", evicted, err)
		}
	})
}

func TestCloseAfterParkCreditsLastOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ana := f.operator(t, "ana", 0, true)
	admin := f.operator(t, "root", 0, false)
	admin.Role = domain.RoleAdmin
	s := f.session(t)
	if _, err := f.svc.RequestOperator(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(31 * time.Second)
	if _, err := f.svc.EvictStale(ctx, ana.ID, f.clock.Now().Add(-30*time.Second)); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Get(ctx, s.ID)
	if got.Status != domain.StatusWaiting || got.LastOperatorID != ana.ID {
		t.Fatalf("parked session = %+v", got)
	}

	if _, err := f.svc.Close(ctx, identity(admin), s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	op, _ := f.svc.Operator(ctx, ana.ID)
	if op.TotalChatsHandled != 1 {
		t.Fatalf("ana handled = %d, want 1", op.TotalChatsHandled)
	}
	op, _ = f.svc.Operator(ctx, admin.ID)
	if op.TotalChatsHandled != 0 {
		t.Fatalf("admin handled = %d, want 0", op.TotalChatsHandled)
	}
}

func TestHeartbeatResumesWaitingSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ana := f.operator(t, "ana", 0, true)
	s := f.session(t)
	if _, err := f.svc.RequestOperator(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(31 * time.Second)
	if _, err := f.svc.EvictStale(ctx, ana.ID, f.clock.Now().Add(-30*time.Second)); err != nil {
		t.Fatal(err)
	}
	untouched := f.session(t)

	if err := f.svc.Heartbeat(ctx, ana.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Get(ctx, s.ID)
	if got.Status != domain.StatusWithOperator || got.OperatorID != ana.ID {
		t.Fatalf("session = %+v", got)
	}
	changed := f.events.find(realtime.SessionChannel(s.ID), domain.EventOperatorChanged)
	if len(changed) != 1 || changed[0].Data.(AssignmentPayload).Reason != domain.ReasonOperatorAvailable {
		t.Fatalf("operator_changed events = %+v", changed)
	}
	if got, _ := f.svc.Get(ctx, untouched.ID); got.Status != domain.StatusActive {
		t.Fatalf("active session should not be assigned: %+v", got)
	}
}
