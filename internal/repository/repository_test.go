package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "livedesk.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(t *testing.T, repo *SessionRepository, at time.Time) *domain.Session {
	t.Helper()
	s := &domain.Session{UserName: "guest", LastMessageAt: at, CreatedAt: at}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestSessionCreateGet(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := newSession(t, repo, now)

	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusActive || got.UserName != "guest" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v want %v", got.CreatedAt, now)
	}
	if len(got.Messages) != 0 {
		t.Fatalf("expected empty history, got %d", len(got.Messages))
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyAppendsInOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	s := newSession(t, repo, time.Now())

	version := s.Version
	for _, content := range []string{"one", "two", "three"} {
		v, err := repo.Apply(ctx, SessionChange{
			SessionID:     s.ID,
			ExpectVersion: version,
			Append:        []*domain.Message{{Kind: domain.KindUser, Content: content}},
		}, time.Now().UnixMilli())
		if err != nil {
			t.Fatalf("Apply %s: %v", content, err)
		}
		version = v
	}

	msgs, err := repo.GetMessages(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want || msgs[i].Seq != int64(i+1) {
			t.Fatalf("message %d = %+v", i, msgs[i])
		}
	}

	recent, err := repo.RecentMessages(ctx, s.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "two" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestApplyRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	s := newSession(t, repo, time.Now())

	if _, err := repo.Apply(ctx, SessionChange{SessionID: s.ID, ExpectVersion: 0, MarkWarned: true}, 1); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	_, err := repo.Apply(ctx, SessionChange{SessionID: s.ID, ExpectVersion: 0, MarkWarned: true}, 2)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestApplyConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	s := newSession(t, repo, time.Now())

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Apply(ctx, SessionChange{
				SessionID:     s.ID,
				ExpectVersion: 0,
				Append:        []*domain.Message{{Kind: domain.KindUser, Content: "hi"}},
			}, time.Now().UnixMilli())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	msgs, _ := repo.GetMessages(ctx, s.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one appended message, got %d", len(msgs))
	}
}

func TestApplyAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	s := newSession(t, repo, time.Now())

	closed := domain.StatusClosed
	v, err := repo.Apply(ctx, SessionChange{SessionID: s.ID, ExpectVersion: 0, Status: &closed, Close: true}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = repo.Apply(ctx, SessionChange{
		SessionID:     s.ID,
		ExpectVersion: v,
		Append:        []*domain.Message{{Kind: domain.KindAssistant, Content: "late"}},
	}, time.Now().UnixMilli())
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	got, _ := repo.Get(ctx, s.ID)
	if got.ClosedAt == nil || got.Status != domain.StatusClosed {
		t.Fatalf("session not closed: %+v", got)
	}
}

func TestWarnedResetByActivity(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	s := newSession(t, repo, time.Now())

	v, err := repo.Apply(ctx, SessionChange{SessionID: s.ID, ExpectVersion: 0, MarkWarned: true}, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	got, _ := repo.Get(ctx, s.ID)
	if got.WarnedAt == nil {
		t.Fatal("expected warned_at set")
	}

	if _, err := repo.Apply(ctx, SessionChange{
		SessionID:     s.ID,
		ExpectVersion: v,
		Append:        []*domain.Message{{Kind: domain.KindUser, Content: "still here"}},
	}, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.Get(ctx, s.ID)
	if got.WarnedAt != nil {
		t.Fatal("expected warned_at cleared by new message")
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	operators := NewOperatorRepository(db)

	op := &domain.Operator{Name: "Ada", Email: "ada@example.com"}
	if err := operators.Create(ctx, op); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-10 * time.Minute)
	a := newSession(t, sessions, base)
	newSession(t, sessions, base.Add(8*time.Minute))

	status := domain.StatusWithOperator
	opID := op.ID
	if _, err := sessions.Apply(ctx, SessionChange{SessionID: a.ID, ExpectVersion: 0, Status: &status, OperatorID: &opID}, base.UnixMilli()); err != nil {
		t.Fatal(err)
	}

	byOp, err := sessions.List(ctx, domain.SessionFilter{OperatorID: op.ID})
	if err != nil || len(byOp) != 1 || byOp[0].ID != a.ID {
		t.Fatalf("by operator = %v, %v", byOp, err)
	}
	active, err := sessions.List(ctx, domain.SessionFilter{Statuses: []domain.SessionStatus{domain.StatusActive}})
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %v, %v", active, err)
	}

	idle, err := sessions.ListIdle(ctx,
		[]domain.SessionStatus{domain.StatusActive, domain.StatusWithOperator},
		time.Now().Add(-5*time.Minute).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].ID != a.ID {
		t.Fatalf("idle = %+v", idle)
	}

	counts, err := sessions.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusActive] != 1 || counts[domain.StatusWithOperator] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestOperatorPresence(t *testing.T) {
	ctx := context.Background()
	repo := NewOperatorRepository(newTestDB(t))

	op := &domain.Operator{Name: "Ada", Email: "ada@example.com", CreatedAt: time.Now()}
	if err := repo.Create(ctx, op); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &domain.Operator{Name: "Bad", Email: "bad@example.com", Role: "ROOT"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad role, got %v", err)
	}

	seen := time.Now().Add(-time.Minute).UnixMilli()
	wasOffline, err := repo.Touch(ctx, op.ID, seen)
	if err != nil || !wasOffline {
		t.Fatalf("Touch = %v, %v", wasOffline, err)
	}
	online, _ := repo.ListOnline(ctx)
	if len(online) != 1 {
		t.Fatalf("online = %d", len(online))
	}

	stale, _ := repo.ListStale(ctx, time.Now().Add(-30*time.Second).UnixMilli())
	if len(stale) != 1 {
		t.Fatalf("stale = %d", len(stale))
	}

	// a fresh heartbeat makes the eviction a no-op
	if _, err := repo.Touch(ctx, op.ID, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	evicted, err := repo.EvictStale(ctx, op.ID, time.Now().Add(-30*time.Second).UnixMilli())
	if err != nil || evicted {
		t.Fatalf("EvictStale = %v, %v", evicted, err)
	}

	changed, err := repo.SetOffline(ctx, op.ID)
	if err != nil || !changed {
		t.Fatalf("SetOffline = %v, %v", changed, err)
	}
	if changed, _ = repo.SetOffline(ctx, op.ID); changed {
		t.Fatal("second SetOffline should not change anything")
	}

	got, _ := repo.Get(ctx, op.ID)
	if got.IsOnline {
		t.Fatalf("operator = %+v", got)
	}
	if _, err := repo.Touch(ctx, "missing", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseCreditsOperatorOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	operators := NewOperatorRepository(db)

	op := &domain.Operator{Name: "Ana", Email: "ana@example.com", Role: domain.RoleOperator}
	if err := operators.Create(ctx, op); err != nil {
		t.Fatal(err)
	}
	s := newSession(t, sessions, time.Now())

	status := domain.StatusWithOperator
	v, err := sessions.Apply(ctx, SessionChange{
		SessionID: s.ID, ExpectVersion: s.Version, Status: &status, OperatorID: &op.ID,
	}, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}

	closed := domain.StatusClosed
	closing := SessionChange{
		SessionID: s.ID, ExpectVersion: v, Status: &closed, Close: true, CreditOperator: op.ID,
	}
	if _, err := sessions.Apply(ctx, closing, time.Now().UnixMilli()); err != nil {
		t.Fatalf("close: %v", err)
	}
	closing.ExpectVersion = v + 1
	if _, err := sessions.Apply(ctx, closing, time.Now().UnixMilli()); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second close: expected ErrInvalidState, got %v", err)
	}

	got, err := operators.Get(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalChatsHandled != 1 {
		t.Fatalf("total_chats_handled = %d, want 1", got.TotalChatsHandled)
	}
}

func TestLastOperatorAndOrphans(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	operators := NewOperatorRepository(db)

	op := &domain.Operator{Name: "Ana", Email: "ana@example.com", Role: domain.RoleOperator, IsOnline: true}
	if err := operators.Create(ctx, op); err != nil {
		t.Fatal(err)
	}
	s := newSession(t, sessions, time.Now())

	status := domain.StatusWithOperator
	v, err := sessions.Apply(ctx, SessionChange{
		SessionID: s.ID, ExpectVersion: s.Version, Status: &status, OperatorID: &op.ID,
	}, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if orphaned, _ := sessions.ListOrphaned(ctx); len(orphaned) != 0 {
		t.Fatalf("online operator should not orphan sessions: %v", orphaned)
	}

	if _, err := operators.SetOffline(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	orphaned, err := sessions.ListOrphaned(ctx)
	if err != nil || len(orphaned) != 1 || orphaned[0].ID != s.ID {
		t.Fatalf("ListOrphaned = %v, %v", orphaned, err)
	}

	waiting, none := domain.StatusWaiting, ""
	if _, err := sessions.Apply(ctx, SessionChange{
		SessionID: s.ID, ExpectVersion: v, Status: &waiting, OperatorID: &none,
	}, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	got, err := sessions.Get(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OperatorID != "" || got.LastOperatorID != op.ID {
		t.Fatalf("operator = %q, last operator = %q", got.OperatorID, got.LastOperatorID)
	}
	if orphaned, _ := sessions.ListOrphaned(ctx); len(orphaned) != 0 {
		t.Fatalf("waiting session listed as orphaned: %v", orphaned)
	}
}
