package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/liliang-cn/livedesk/internal/realtime"
	"go.uber.org/zap"
)

// Register creates an operator account
func (s *SessionService) Register(ctx context.Context, req domain.CreateOperatorRequest) (*domain.Operator, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("operator name is required: %w", domain.ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, fmt.Errorf("invalid email %q: %w", req.Email, domain.ErrInvalidRequest)
	}

	op := &domain.Operator{
		Name:      name,
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		Role:      req.Role,
		CreatedAt: s.Now(),
	}
	if err := s.operators.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}
	s.logger.Info("operator registered", zap.String("operator_id", op.ID), zap.String("role", string(op.Role)))
	return op, nil
}

// Operator returns one operator
func (s *SessionService) Operator(ctx context.Context, id string) (*domain.Operator, error) {
	return s.operators.Get(ctx, id)
}

// Operators lists every operator
func (s *SessionService) Operators(ctx context.Context) ([]*domain.Operator, error) {
	return s.operators.List(ctx)
}

// Heartbeat records that the operator is alive and marks them online.
// Coming back online picks up sessions parked in WAITING.
func (s *SessionService) Heartbeat(ctx context.Context, operatorID string) error {
	unlock := s.operatorLocks.Lock(operatorID)
	wasOffline, err := s.operators.Touch(ctx, operatorID, s.Now().UnixMilli())
	unlock()
	if err != nil {
		return err
	}
	if !wasOffline {
		return nil
	}

	s.logger.Info("operator online", zap.String("operator_id", operatorID))
	s.publish(realtime.DashboardChannel, domain.EventOperatorStatusChanged, StatusPayload{OperatorID: operatorID, Online: true})
	s.resumeWaiting(ctx)
	return nil
}

// SetStatus toggles operator presence. Going offline hands their
// sessions to someone else.
func (s *SessionService) SetStatus(ctx context.Context, operatorID string, online bool) error {
	if online {
		return s.Heartbeat(ctx, operatorID)
	}

	unlock := s.operatorLocks.Lock(operatorID)
	changed, err := s.operators.SetOffline(ctx, operatorID)
	unlock()
	if err != nil {
		return err
	}
	if !changed {
		_, err := s.operators.Get(ctx, operatorID)
		return err
	}

	s.logger.Info("operator offline", zap.String("operator_id", operatorID))
	s.publish(realtime.DashboardChannel, domain.EventOperatorStatusChanged, StatusPayload{
		OperatorID: operatorID,
		Reason:     domain.ReasonOperatorOffline,
	})
	return s.Failover(ctx, operatorID, domain.ReasonOperatorOffline)
}

// ListStale returns online operators whose last heartbeat is older than cutoff
func (s *SessionService) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Operator, error) {
	return s.operators.ListStale(ctx, cutoff.UnixMilli())
}

// EvictStale marks an operator offline if they still have not sent a
// heartbeat since cutoff, then reassigns their sessions. The operator
// lock is released before any session is touched.
func (s *SessionService) EvictStale(ctx context.Context, operatorID string, cutoff time.Time) (bool, error) {
	unlock := s.operatorLocks.Lock(operatorID)
	evicted, err := s.operators.EvictStale(ctx, operatorID, cutoff.UnixMilli())
	unlock()
	if err != nil || !evicted {
		return false, err
	}

	s.logger.Warn("operator heartbeat timed out", zap.String("operator_id", operatorID))
	s.publish(realtime.DashboardChannel, domain.EventOperatorStatusChanged, StatusPayload{
		OperatorID: operatorID,
		Reason:     domain.ReasonOperatorTimeout,
	})
	return true, s.Failover(ctx, operatorID, domain.ReasonOperatorTimeout)
}
