package service

import (
	"context"
	"fmt"
	"time"

	"github.com/liliang-cn/livedesk/internal/domain"
	"go.uber.org/zap"
)

// ResponseGenerator produces an automated reply for a user message
type ResponseGenerator interface {
	Generate(ctx context.Context, query string, history []domain.Message) (domain.Reply, error)
}

// DefaultFallbackReply is used when no fallback text is configured
const DefaultFallbackReply = "Sorry, I can't answer right now. Would you like to talk to an operator?"

// FallbackGenerator wraps a ResponseGenerator so that it never fails:
// errors, panics and timeouts turn into a fixed reply with confidence 0
// and an operator suggestion.
type FallbackGenerator struct {
	next     ResponseGenerator
	timeout  time.Duration
	fallback string
	logger   *zap.Logger
}

// NewFallbackGenerator creates the wrapper. next may be nil, in which case
// every call yields the fallback reply.
func NewFallbackGenerator(next ResponseGenerator, timeout time.Duration, fallback string, logger *zap.Logger) *FallbackGenerator {
	if fallback == "" {
		fallback = DefaultFallbackReply
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackGenerator{next: next, timeout: timeout, fallback: fallback, logger: logger}
}

// Generate implements ResponseGenerator and always returns a nil error
func (g *FallbackGenerator) Generate(ctx context.Context, query string, history []domain.Message) (domain.Reply, error) {
	if g.next == nil {
		return g.fallbackReply(), nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	reply, err := g.call(ctx, query, history)
	if err != nil {
		g.logger.Warn("response generator failed, using fallback", zap.Error(err))
		return g.fallbackReply(), nil
	}
	if reply.Confidence < 0 {
		reply.Confidence = 0
	} else if reply.Confidence > 1 {
		reply.Confidence = 1
	}
	return reply, nil
}

type result struct {
	reply domain.Reply
	err   error
}

// call runs the wrapped generator in its own goroutine so a generator that
// ignores ctx still cannot hold the caller past the deadline.
func (g *FallbackGenerator) call(ctx context.Context, query string, history []domain.Message) (domain.Reply, error) {
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("response generator panicked: %v", r)
			}
			done <- res
		}()
		res.reply, res.err = g.next.Generate(ctx, query, history)
		if res.err == nil && res.reply.Content == "" {
			res.err = fmt.Errorf("response generator returned an empty reply")
		}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return domain.Reply{}, ctx.Err()
	}
}

func (g *FallbackGenerator) fallbackReply() domain.Reply {
	return domain.Reply{Content: g.fallback, Confidence: 0, SuggestOperator: true}
}
