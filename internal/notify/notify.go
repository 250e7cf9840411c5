// Package notify delivers operator notifications outside the realtime
// channels, so other systems (paging, mobile push) can react to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// event is the record written for every notification
type event struct {
	Event      string    `json:"event"`
	SessionID  string    `json:"session_id"`
	OperatorID string    `json:"operator_id"`
	Operator   string    `json:"operator_name"`
	Email      string    `json:"operator_email"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a topic keyed by operator ID
type Kafka struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafka creates an asynchronous producer. Writes never block the caller;
// delivery failures are logged.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka: failed to deliver notifications", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	return &Kafka{writer: writer, logger: logger}
}

// Notify implements service.Notifier
func (k *Kafka) Notify(ctx context.Context, op *domain.Operator, n domain.Notification) error {
	body, err := json.Marshal(event{
		Event:      n.Event,
		SessionID:  n.SessionID,
		OperatorID: op.ID,
		Operator:   op.Name,
		Email:      op.Email,
		Reason:     n.Reason,
		At:         n.At,
	})
	if err != nil {
		return fmt.Errorf("kafka: marshal notification: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(op.ID), Value: body}); err != nil {
		return fmt.Errorf("kafka: write notification: %w", err)
	}
	return nil
}

// Close flushes pending messages
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Log writes notifications to the application log. It is used when no
// broker is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log notifier
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify implements service.Notifier
func (l *Log) Notify(_ context.Context, op *domain.Operator, n domain.Notification) error {
	l.logger.Info("operator notification",
		zap.String("event", n.Event),
		zap.String("operator_id", op.ID),
		zap.String("session_id", n.SessionID),
		zap.String("reason", n.Reason),
	)
	return nil
}

// Close is a no-op
func (l *Log) Close() error {
	return nil
}

// ParseBrokers splits "host1:9092,host2:9092" into addresses
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
