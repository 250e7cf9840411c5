package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/liliang-cn/livedesk/internal/domain"
)

// OperatorRepository handles operator presence and load persistence
type OperatorRepository struct {
	db *DB
}

// NewOperatorRepository creates a new operator repository
func NewOperatorRepository(db *DB) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create registers a new operator
func (r *OperatorRepository) Create(ctx context.Context, op *domain.Operator) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Role == "" {
		op.Role = domain.RoleOperator
	}
	if !op.Role.Valid() {
		return fmt.Errorf("role %q: %w", op.Role, domain.ErrInvalidRequest)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO operators (id, name, email, role, is_online, last_seen_at, total_chats_handled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, op.ID, op.Name, op.Email, op.Role, boolInt(op.IsOnline), toMillis(op.LastSeenAt),
			op.TotalChatsHandled, toMillis(op.CreatedAt))
		return err
	})
}

// Get retrieves an operator by ID
func (r *OperatorRepository) Get(ctx context.Context, id string) (*domain.Operator, error) {
	op, err := scanOperator(r.db.QueryRowContext(ctx, selectOperator+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operator %s: %w", id, domain.ErrNotFound)
	}
	return op, err
}

// List retrieves all operators ordered by ID
func (r *OperatorRepository) List(ctx context.Context) ([]*domain.Operator, error) {
	return r.queryOperators(ctx, selectOperator+` ORDER BY id ASC`)
}

// ListOnline retrieves operators currently marked online
func (r *OperatorRepository) ListOnline(ctx context.Context) ([]*domain.Operator, error) {
	return r.queryOperators(ctx, selectOperator+` WHERE is_online = 1 ORDER BY id ASC`)
}

// ListStale retrieves online operators whose last heartbeat is older than before
func (r *OperatorRepository) ListStale(ctx context.Context, before int64) ([]*domain.Operator, error) {
	return r.queryOperators(ctx, selectOperator+` WHERE is_online = 1 AND last_seen_at < ? ORDER BY id ASC`, before)
}

// Touch records a heartbeat and marks the operator online. It reports
// whether the operator was offline before.
func (r *OperatorRepository) Touch(ctx context.Context, id string, at int64) (bool, error) {
	var wasOffline bool
	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var online int
		err = tx.QueryRowContext(ctx, `SELECT is_online FROM operators WHERE id = ?`, id).Scan(&online)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operator %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE operators SET is_online = 1, last_seen_at = ? WHERE id = ?`, at, id); err != nil {
			return err
		}
		wasOffline = online == 0
		return tx.Commit()
	})
	return wasOffline, err
}

// SetOffline marks the operator offline. It reports whether the flag changed.
func (r *OperatorRepository) SetOffline(ctx context.Context, id string) (bool, error) {
	return r.setOffline(ctx, `UPDATE operators SET is_online = 0 WHERE id = ? AND is_online = 1`, id)
}

// EvictStale marks the operator offline only if it is still online and its
// last heartbeat is older than before, so a heartbeat racing the eviction wins.
func (r *OperatorRepository) EvictStale(ctx context.Context, id string, before int64) (bool, error) {
	return r.setOffline(ctx,
		`UPDATE operators SET is_online = 0 WHERE id = ? AND is_online = 1 AND last_seen_at < ?`, id, before)
}

func (r *OperatorRepository) setOffline(ctx context.Context, query string, args ...any) (bool, error) {
	var changed bool
	err := withRetry(ctx, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

const selectOperator = `SELECT id, name, email, role, is_online, last_seen_at, total_chats_handled, created_at FROM operators`

func scanOperator(row rowScanner) (*domain.Operator, error) {
	var (
		op                  domain.Operator
		online              int
		lastSeen, createdAt int64
	)
	if err := row.Scan(&op.ID, &op.Name, &op.Email, &op.Role, &online, &lastSeen,
		&op.TotalChatsHandled, &createdAt); err != nil {
		return nil, err
	}
	op.IsOnline = online != 0
	op.LastSeenAt = fromMillis(lastSeen)
	op.CreatedAt = fromMillis(createdAt)
	return &op, nil
}

func (r *OperatorRepository) queryOperators(ctx context.Context, query string, args ...any) ([]*domain.Operator, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []*domain.Operator{}
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
