// Package monitor runs the periodic scans that close idle sessions and
// evict operators whose heartbeat stopped.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
	"go.uber.org/zap"
)

// Router is the part of the session service the scans drive
type Router interface {
	Now() time.Time
	ListIdle(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
	WarnIdle(ctx context.Context, sessionID string, cutoff, closesAt time.Time) (bool, error)
	CloseIdle(ctx context.Context, sessionID string, cutoff time.Time) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Operator, error)
	EvictStale(ctx context.Context, operatorID string, cutoff time.Time) (bool, error)
	ListOrphaned(ctx context.Context) ([]*domain.Session, error)
	RecoverOrphan(ctx context.Context, sessionID string) (bool, error)
}

// Config holds scan intervals and thresholds
type Config struct {
	InactivityInterval time.Duration
	InactivityWarning  time.Duration
	InactivityTimeout  time.Duration
	LivenessInterval   time.Duration
	HeartbeatTimeout   time.Duration
}

// Monitor owns the inactivity and liveness tasks
type Monitor struct {
	router Router
	cfg    Config
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor
func New(router Router, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{router: router, cfg: cfg, logger: logger}
}

// Start launches both scans. They stop when ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.run(ctx, "inactivity", m.cfg.InactivityInterval, m.ScanInactivity)
	m.run(ctx, "liveness", m.cfg.LivenessInterval, m.ScanLiveness)
}

// Stop cancels the scans and waits for a running cycle to finish
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, name string, interval time.Duration, scan func(context.Context) error) {
	if interval <= 0 {
		m.logger.Warn("scan disabled", zap.String("scan", name))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("scan started", zap.String("scan", name), zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("scan stopped", zap.String("scan", name))
				return
			case <-ticker.C:
			}
			if err := m.cycle(ctx, scan); err != nil {
				m.logger.Error("scan cycle failed", zap.String("scan", name), zap.Error(err))
			}
		}
	}()
}

// cycle runs one scan and turns a panic into an error so the loop survives
func (m *Monitor) cycle(ctx context.Context, scan func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return scan(ctx)
}

// ScanInactivity warns sessions idle past the warning threshold once and
// closes those idle past the timeout.
func (m *Monitor) ScanInactivity(ctx context.Context) error {
	now := m.router.Now()
	warnCutoff := now.Add(-m.cfg.InactivityWarning)
	closeCutoff := now.Add(-m.cfg.InactivityTimeout)

	idle, err := m.router.ListIdle(ctx, warnCutoff)
	if err != nil {
		return fmt.Errorf("failed to list idle sessions: %w", err)
	}

	for _, s := range idle {
		m.each("session_id", s.ID, func() error {
			if !s.LastMessageAt.After(closeCutoff) {
				closed, err := m.router.CloseIdle(ctx, s.ID, closeCutoff)
				if closed {
					m.logger.Info("closed idle session", zap.String("session_id", s.ID))
				}
				return err
			}
			if s.WarnedAt != nil {
				return nil
			}
			closesAt := s.LastMessageAt.Add(m.cfg.InactivityTimeout)
			_, err := m.router.WarnIdle(ctx, s.ID, warnCutoff, closesAt)
			return err
		})
	}
	return nil
}

// ScanLiveness evicts operators whose heartbeat is older than the timeout,
// then retries sessions an earlier failover left with an offline operator.
func (m *Monitor) ScanLiveness(ctx context.Context) error {
	cutoff := m.router.Now().Add(-m.cfg.HeartbeatTimeout)

	stale, err := m.router.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale operators: %w", err)
	}

	for _, op := range stale {
		m.each("operator_id", op.ID, func() error {
			_, err := m.router.EvictStale(ctx, op.ID, cutoff)
			return err
		})
	}

	orphaned, err := m.router.ListOrphaned(ctx)
	if err != nil {
		return fmt.Errorf("failed to list orphaned sessions: %w", err)
	}
	for _, s := range orphaned {
		m.each("session_id", s.ID, func() error {
			recovered, err := m.router.RecoverOrphan(ctx, s.ID)
			if recovered {
				m.logger.Info("recovered orphaned session", zap.String("session_id", s.ID))
			}
			return err
		})
	}
	return nil
}

// each isolates one record's work: failures and panics are logged and the
// scan moves on.
func (m *Monitor) each(key, id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scan item panicked", zap.String(key, id), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		m.logger.Error("scan item failed", zap.String(key, id), zap.Error(err))
	}
}
