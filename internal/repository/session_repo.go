package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/liliang-cn/livedesk/internal/domain"
)

// SessionRepository handles session and message persistence
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SessionChange is one atomic, version-checked mutation of a session.
// Nil fields are left untouched.
type SessionChange struct {
	SessionID     string
	ExpectVersion int64
	Status        *domain.SessionStatus
	OperatorID    *string
	Close         bool
	MarkWarned    bool
	Append        []*domain.Message
	// CreditOperator bumps this operator's handled-chat counter in the same transaction.
	CreditOperator string
}

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = domain.StatusActive
	}
	if session.Messages == nil {
		session.Messages = []domain.Message{}
	}

	return withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_name, status, operator_id, last_operator_id, version, last_message_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, session.ID, nullString(session.UserName), session.Status, nullString(session.OperatorID),
			nullString(session.OperatorID), session.Version, toMillis(session.LastMessageAt), toMillis(session.CreatedAt))
		return err
	})
}

// Get retrieves a session by ID together with its ordered history
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	messages, err := r.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return session, nil
}

// GetMessages retrieves all messages for a session in append order
func (r *SessionRepository) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, seq, kind, content, operator_name, confidence, suggest_operator, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var (
			m            domain.Message
			operatorName sql.NullString
			confidence   sql.NullFloat64
			suggest      int
			createdAt    int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Kind, &m.Content,
			&operatorName, &confidence, &suggest, &createdAt); err != nil {
			return nil, err
		}
		m.OperatorName = operatorName.String
		if confidence.Valid {
			c := confidence.Float64
			m.Confidence = &c
		}
		m.SuggestOperator = suggest != 0
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// RecentMessages returns up to limit of the latest messages, oldest first
func (r *SessionRepository) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	all, err := r.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// List retrieves sessions without their history, newest first
func (r *SessionRepository) List(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, error) {
	query := selectSession
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if filter.OperatorID != "" {
		where = append(where, "operator_id = ?")
		args = append(args, filter.OperatorID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return r.querySessions(ctx, query, args...)
}

// ListIdle returns sessions in one of the statuses whose last message is
// not newer than before, oldest activity first
func (r *SessionRepository) ListIdle(ctx context.Context, statuses []domain.SessionStatus, before int64) ([]*domain.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		marks[i] = "?"
		args = append(args, s)
	}
	args = append(args, before)
	query := selectSession + " WHERE status IN (" + strings.Join(marks, ",") + ") AND last_message_at <= ? ORDER BY last_message_at ASC"
	return r.querySessions(ctx, query, args...)
}

// ListOrphaned returns WITH_OPERATOR sessions whose operator is offline,
// oldest activity first
func (r *SessionRepository) ListOrphaned(ctx context.Context) ([]*domain.Session, error) {
	return r.querySessions(ctx, `
		SELECT `+qualifiedSessionColumns+`
		FROM sessions s JOIN operators o ON o.id = s.operator_id
		WHERE s.status = ? AND o.is_online = 0
		ORDER BY s.last_message_at ASC
	`, domain.StatusWithOperator)
}

// Apply performs a version-checked mutation inside one transaction. It
// fails with ErrInvalidState once the session is terminal and with
// ErrConflict when another writer committed first. Appended messages
// receive consecutive sequence numbers.
func (r *SessionRepository) Apply(ctx context.Context, change SessionChange, at int64) (int64, error) {
	var newVersion int64
	err := withRetry(ctx, func(ctx context.Context) error {
		v, err := r.apply(ctx, change, at)
		newVersion = v
		return err
	})
	return newVersion, err
}

func (r *SessionRepository) apply(ctx context.Context, change SessionChange, at int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var (
		status  domain.SessionStatus
		version int64
	)
	err = tx.QueryRowContext(ctx, `SELECT status, version FROM sessions WHERE id = ?`, change.SessionID).
		Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("session %s: %w", change.SessionID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if status.Terminal() {
		return 0, fmt.Errorf("session %s is %s: %w", change.SessionID, status, domain.ErrInvalidState)
	}
	if version != change.ExpectVersion {
		return 0, fmt.Errorf("session %s at version %d, expected %d: %w",
			change.SessionID, version, change.ExpectVersion, domain.ErrConflict)
	}

	touched := false
	if len(change.Append) > 0 {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`,
			change.SessionID).Scan(&seq); err != nil {
			return 0, err
		}
		for _, m := range change.Append {
			seq++
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
			m.SessionID = change.SessionID
			m.Seq = seq
			m.CreatedAt = fromMillis(at)
			var confidence sql.NullFloat64
			if m.Confidence != nil {
				confidence = sql.NullFloat64{Float64: *m.Confidence, Valid: true}
			}
			suggest := 0
			if m.SuggestOperator {
				suggest = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, session_id, seq, kind, content, operator_name, confidence, suggest_operator, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, m.ID, m.SessionID, m.Seq, m.Kind, m.Content, nullString(m.OperatorName), confidence, suggest, at); err != nil {
				return 0, err
			}
			if m.Kind != domain.KindSystem {
				touched = true
			}
		}
	}

	sets := []string{"version = version + 1"}
	var args []any
	if change.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *change.Status)
	}
	if change.OperatorID != nil {
		sets = append(sets, "operator_id = ?")
		args = append(args, nullString(*change.OperatorID))
		// Clearing the operator keeps last_operator_id for the close credit.
		if *change.OperatorID != "" {
			sets = append(sets, "last_operator_id = ?")
			args = append(args, *change.OperatorID)
		}
	}
	if change.Close {
		sets = append(sets, "closed_at = ?")
		args = append(args, at)
	}
	if touched {
		// New activity opens a fresh inactivity window.
		sets = append(sets, "last_message_at = ?", "warned_at = NULL")
		args = append(args, at)
	} else if change.MarkWarned {
		sets = append(sets, "warned_at = ?")
		args = append(args, at)
	}
	args = append(args, change.SessionID, version)

	res, err := tx.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ? AND version = ?", args...)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("session %s: %w", change.SessionID, domain.ErrConflict)
	}

	if change.CreditOperator != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE operators SET total_chats_handled = total_chats_handled + 1 WHERE id = ?`, change.CreditOperator)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("operator %s: %w", change.CreditOperator, domain.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version + 1, nil
}

// CountByStatus returns how many sessions sit in each status
func (r *SessionRepository) CountByStatus(ctx context.Context) (map[domain.SessionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.SessionStatus]int)
	for rows.Next() {
		var (
			status domain.SessionStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const (
	sessionColumns          = `id, user_name, status, operator_id, last_operator_id, version, last_message_at, warned_at, created_at, closed_at`
	qualifiedSessionColumns = `s.id, s.user_name, s.status, s.operator_id, s.last_operator_id, s.version, s.last_message_at, s.warned_at, s.created_at, s.closed_at`
	selectSession           = `SELECT ` + sessionColumns + ` FROM sessions`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s                      domain.Session
		userName, operatorID   sql.NullString
		lastOperatorID         sql.NullString
		lastMessageAt, created int64
		warnedAt, closedAt     sql.NullInt64
	)
	if err := row.Scan(&s.ID, &userName, &s.Status, &operatorID, &lastOperatorID, &s.Version,
		&lastMessageAt, &warnedAt, &created, &closedAt); err != nil {
		return nil, err
	}
	s.UserName = userName.String
	s.OperatorID = operatorID.String
	s.LastOperatorID = lastOperatorID.String
	s.LastMessageAt = fromMillis(lastMessageAt)
	s.CreatedAt = fromMillis(created)
	s.WarnedAt = timePtr(warnedAt)
	s.ClosedAt = timePtr(closedAt)
	return &s, nil
}

func (r *SessionRepository) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*domain.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
