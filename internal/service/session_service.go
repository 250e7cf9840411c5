package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/livedesk/internal/assignment"
	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/liliang-cn/livedesk/internal/realtime"
	"github.com/liliang-cn/livedesk/internal/repository"
	"go.uber.org/zap"
)

// SessionStore is the persistence the service needs for sessions
type SessionStore interface {
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	List(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, error)
	ListIdle(ctx context.Context, statuses []domain.SessionStatus, before int64) ([]*domain.Session, error)
	ListOrphaned(ctx context.Context) ([]*domain.Session, error)
	CountByStatus(ctx context.Context) (map[domain.SessionStatus]int, error)
	Apply(ctx context.Context, change repository.SessionChange, at int64) (int64, error)
}

// OperatorStore is the persistence the service needs for operators
type OperatorStore interface {
	Create(ctx context.Context, op *domain.Operator) error
	Get(ctx context.Context, id string) (*domain.Operator, error)
	List(ctx context.Context) ([]*domain.Operator, error)
	ListOnline(ctx context.Context) ([]*domain.Operator, error)
	ListStale(ctx context.Context, before int64) ([]*domain.Operator, error)
	Touch(ctx context.Context, id string, at int64) (bool, error)
	SetOffline(ctx context.Context, id string) (bool, error)
	EvictStale(ctx context.Context, id string, before int64) (bool, error)
}

// Options tunes routing behavior
type Options struct {
	ConfidenceThreshold float64
	HistoryLimit        int
	// Now overrides the wall clock, mostly for tests.
	Now func() time.Time
}

// SessionService owns every session state transition. Writes to one
// session are serialized in-process; the store's version check catches
// anything that slips past.
type SessionService struct {
	sessions  SessionStore
	operators OperatorStore
	generator ResponseGenerator
	publisher Publisher
	notifier  Notifier
	logger    *zap.Logger
	opts      Options

	sessionLocks  *keyedMutex
	operatorLocks *keyedMutex
	pending       *inflight
}

// NewSessionService creates a new session service. notifier may be nil.
func NewSessionService(
	sessions SessionStore,
	operators OperatorStore,
	generator ResponseGenerator,
	publisher Publisher,
	notifier Notifier,
	logger *zap.Logger,
	opts Options,
) *SessionService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessions:      sessions,
		operators:     operators,
		generator:     generator,
		publisher:     publisher,
		notifier:      notifier,
		logger:        logger,
		opts:          opts,
		sessionLocks:  newKeyedMutex(),
		operatorLocks: newKeyedMutex(),
		pending:       newInflight(),
	}
}

// Now returns the service clock
func (s *SessionService) Now() time.Time {
	return s.opts.Now()
}

// UserMessageResult is what SubmitUserMessage produced
type UserMessageResult struct {
	Message   *domain.Message `json:"message"`
	Reply     *domain.Message `json:"reply,omitempty"`
	Forwarded bool            `json:"forwarded"`
}

// Create opens a new ACTIVE session
func (s *SessionService) Create(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error) {
	now := s.Now()
	session := &domain.Session{
		UserName:      strings.TrimSpace(req.UserName),
		Status:        domain.StatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("session created", zap.String("session_id", session.ID))
	return session, nil
}

// Get returns a session with its full history
func (s *SessionService) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

// List returns sessions matching the filter, without messages
func (s *SessionService) List(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, error) {
	return s.sessions.List(ctx, filter)
}

// SubmitUserMessage appends a user message. While an operator owns the
// session the message is forwarded to them; otherwise the response
// generator answers it.
func (s *SessionService) SubmitUserMessage(ctx context.Context, sessionID, content string) (*UserMessageResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("message content is empty: %w", domain.ErrInvalidRequest)
	}

	unlock := s.sessionLocks.Lock(sessionID)
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	if session.Status.Terminal() {
		unlock()
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}

	msg := &domain.Message{Kind: domain.KindUser, Content: content}
	if _, err := s.apply(ctx, session, repository.SessionChange{Append: []*domain.Message{msg}}); err != nil {
		unlock()
		return nil, err
	}

	payload := MessagePayload{SessionID: sessionID, Message: *msg}
	s.publish(realtime.SessionChannel(sessionID), domain.EventMessageSent, payload)
	s.publish(realtime.DashboardChannel, domain.EventMessageReceived, payload)
	forwarded := session.Status == domain.StatusWithOperator
	if forwarded {
		s.publish(realtime.OperatorChannel(session.OperatorID), domain.EventUserMessage, payload)
	}
	unlock()

	result := &UserMessageResult{Message: msg, Forwarded: forwarded}
	if forwarded {
		return result, nil
	}

	reply, err := s.generate(ctx, sessionID, content, msg.Seq)
	if err != nil {
		return nil, err
	}

	unlock = s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err = s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		s.logger.Info("discarding late reply for closed session", zap.String("session_id", sessionID))
		return nil, fmt.Errorf("session %s closed while answering: %w", sessionID, domain.ErrInvalidState)
	}
	if session.Status == domain.StatusWithOperator {
		s.logger.Info("discarding reply, operator took over", zap.String("session_id", sessionID))
		result.Forwarded = true
		return result, nil
	}

	confidence := reply.Confidence
	answer := &domain.Message{
		Kind:            domain.KindAssistant,
		Content:         reply.Content,
		Confidence:      &confidence,
		SuggestOperator: reply.SuggestOperator || confidence < s.opts.ConfidenceThreshold,
	}
	if _, err := s.apply(ctx, session, repository.SessionChange{Append: []*domain.Message{answer}}); err != nil {
		return nil, err
	}
	s.publish(realtime.SessionChannel(sessionID), domain.EventMessageSent, MessagePayload{SessionID: sessionID, Message: *answer})

	result.Reply = answer
	return result, nil
}

// generate asks the response generator for an answer. The call can be
// cancelled by Close.
func (s *SessionService) generate(ctx context.Context, sessionID, query string, uptoSeq int64) (domain.Reply, error) {
	history, err := s.sessions.RecentMessages(ctx, sessionID, s.opts.HistoryLimit+1)
	if err != nil {
		return domain.Reply{}, err
	}
	// Drop the message being answered, it is passed as the query.
	trimmed := history[:0]
	for _, m := range history {
		if m.Seq < uptoSeq {
			trimmed = append(trimmed, m)
		}
	}
	if len(trimmed) > s.opts.HistoryLimit {
		trimmed = trimmed[len(trimmed)-s.opts.HistoryLimit:]
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := s.pending.add(sessionID, cancel)
	defer done()

	return s.generator.Generate(genCtx, query, trimmed)
}

// RequestOperator assigns the least busy online operator. When nobody
// is online the session is left untouched and Unavailable is reported.
func (s *SessionService) RequestOperator(ctx context.Context, sessionID string) (*domain.AssignmentResult, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	if session.Status != domain.StatusActive && session.Status != domain.StatusWaiting {
		unlock()
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}

	op, err := s.assign(ctx, session, "", "")
	unlock()
	if err != nil {
		return nil, err
	}
	if op == nil {
		s.logger.Info("no operator available", zap.String("session_id", sessionID))
		return &domain.AssignmentResult{Unavailable: true, Session: session}, nil
	}

	s.notify(ctx, op, domain.Notification{Event: domain.EventNewChatRequest, SessionID: sessionID})
	return &domain.AssignmentResult{Operator: op, Session: session}, nil
}

// assign picks an operator other than exclude and hands the session to
// them. It must run under the session lock. A nil operator means nobody
// could take the session and nothing was written.
func (s *SessionService) assign(ctx context.Context, session *domain.Session, exclude, reason string) (*domain.Operator, error) {
	// The chosen operator can go offline between listing and locking;
	// in that case list again.
	for attempt := 0; attempt < 3; attempt++ {
		online, err := s.operators.ListOnline(ctx)
		if err != nil {
			return nil, err
		}
		candidate := assignment.LeastBusy(online, exclude)
		if candidate == nil {
			return nil, nil
		}

		op, err := s.assignTo(ctx, session, candidate.ID, reason)
		if errors.Is(err, errOperatorGone) {
			continue
		}
		return op, err
	}
	return nil, nil
}

var errOperatorGone = errors.New("operator went offline")

func (s *SessionService) assignTo(ctx context.Context, session *domain.Session, operatorID, reason string) (*domain.Operator, error) {
	unlockOp := s.operatorLocks.Lock(operatorID)
	defer unlockOp()

	op, err := s.operators.Get(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if !op.IsOnline {
		return nil, errOperatorGone
	}

	previous := session.OperatorID
	status := domain.StatusWithOperator
	note := &domain.Message{Kind: domain.KindSystem, Content: fmt.Sprintf("%s joined the chat", op.Name)}
	if reason != "" {
		note.Content = fmt.Sprintf("%s took over the chat", op.Name)
	}
	change := repository.SessionChange{
		Status:     &status,
		OperatorID: &op.ID,
		Append:     []*domain.Message{note},
	}
	if _, err := s.apply(ctx, session, change); err != nil {
		return nil, err
	}

	s.logger.Info("session assigned",
		zap.String("session_id", session.ID),
		zap.String("operator_id", op.ID),
		zap.String("reason", reason),
	)

	payload := AssignmentPayload{
		SessionID:          session.ID,
		OperatorID:         op.ID,
		OperatorName:       op.Name,
		PreviousOperatorID: previous,
		Reason:             reason,
		UserName:           session.UserName,
	}
	s.publish(realtime.SessionChannel(session.ID), domain.EventMessageSent, MessagePayload{SessionID: session.ID, Message: *note})
	if reason == "" {
		s.publish(realtime.OperatorChannel(op.ID), domain.EventNewChatRequest, payload)
	} else {
		s.publish(realtime.SessionChannel(session.ID), domain.EventOperatorChanged, payload)
		s.publish(realtime.OperatorChannel(op.ID), domain.EventChatReassigned, payload)
		if previous != "" && reason == domain.ReasonTransfer {
			s.publish(realtime.OperatorChannel(previous), domain.EventChatReassigned, payload)
		}
	}
	s.publish(realtime.DashboardChannel, domain.EventChatAssigned, payload)
	return op, nil
}

// OperatorMessage appends a message from the assigned operator
func (s *SessionService) OperatorMessage(ctx context.Context, who domain.Identity, sessionID, operatorID, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("message content is empty: %w", domain.ErrInvalidRequest)
	}
	if operatorID == "" {
		operatorID = who.OperatorID
	}
	if operatorID != who.OperatorID {
		return nil, fmt.Errorf("cannot post as operator %s: %w", operatorID, domain.ErrForbidden)
	}

	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusWithOperator {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}
	if session.OperatorID != operatorID {
		return nil, fmt.Errorf("session %s is not assigned to %s: %w", sessionID, operatorID, domain.ErrForbidden)
	}

	op, err := s.operators.Get(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	msg := &domain.Message{Kind: domain.KindOperator, Content: content, OperatorName: op.Name}
	if _, err := s.apply(ctx, session, repository.SessionChange{Append: []*domain.Message{msg}}); err != nil {
		return nil, err
	}
	s.publish(realtime.SessionChannel(sessionID), domain.EventOperatorMessage, MessagePayload{SessionID: sessionID, Message: *msg})
	return msg, nil
}

// JoinAsOperator lets an operator open a session they own, or any
// session when they may supervise chats.
func (s *SessionService) JoinAsOperator(ctx context.Context, who domain.Identity, sessionID string) (*domain.Session, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}
	if session.OperatorID != who.OperatorID && !who.Can(domain.CapSuperviseChats) {
		return nil, fmt.Errorf("session %s is not assigned to %s: %w", sessionID, who.OperatorID, domain.ErrForbidden)
	}

	op, err := s.operators.Get(ctx, who.OperatorID)
	if err != nil {
		return nil, err
	}
	s.publish(realtime.SessionChannel(sessionID), domain.EventOperatorJoined, JoinedPayload{
		SessionID:    sessionID,
		OperatorID:   op.ID,
		OperatorName: op.Name,
	})
	return session, nil
}

// Close closes a session on behalf of an operator
func (s *SessionService) Close(ctx context.Context, who domain.Identity, sessionID string) (*domain.Session, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("session %s is already %s: %w", sessionID, session.Status, domain.ErrInvalidState)
	}
	owner := session.OperatorID != "" && session.OperatorID == who.OperatorID
	if !owner && !who.Can(domain.CapSuperviseChats) {
		return nil, fmt.Errorf("operator %s cannot close session %s: %w", who.OperatorID, sessionID, domain.ErrForbidden)
	}

	if err := s.closeLocked(ctx, session, domain.CloseByOperator); err != nil {
		return nil, err
	}
	return session, nil
}

// closeLocked moves the session to CLOSED and credits the operator who
// last held it, even when it was parked in WAITING since. Callers hold
// the session lock.
func (s *SessionService) closeLocked(ctx context.Context, session *domain.Session, reason domain.CloseReason) error {
	status := domain.StatusClosed
	text := "The chat was closed"
	if reason == domain.CloseByTimeout {
		text = "The chat was closed due to inactivity"
	}
	note := &domain.Message{Kind: domain.KindSystem, Content: text}
	operatorID := session.OperatorID
	credit := operatorID
	if credit == "" {
		credit = session.LastOperatorID
	}
	change := repository.SessionChange{
		Status:         &status,
		Close:          true,
		Append:         []*domain.Message{note},
		CreditOperator: credit,
	}
	if _, err := s.apply(ctx, session, change); err != nil {
		return err
	}
	s.pending.cancelAll(session.ID)

	s.logger.Info("session closed",
		zap.String("session_id", session.ID),
		zap.String("reason", string(reason)),
		zap.String("operator_id", operatorID),
		zap.String("credited_operator_id", credit),
	)

	payload := ClosedPayload{SessionID: session.ID, Reason: reason, OperatorID: operatorID}
	s.publish(realtime.SessionChannel(session.ID), domain.EventChatClosed, payload)
	if operatorID != "" {
		s.publish(realtime.OperatorChannel(operatorID), domain.EventChatClosed, payload)
	}
	s.publish(realtime.DashboardChannel, domain.EventChatClosed, payload)
	return nil
}

// Transfer moves a session from one operator to another online operator
func (s *SessionService) Transfer(ctx context.Context, who domain.Identity, sessionID string, req domain.TransferRequest) (*domain.Session, error) {
	if req.FromOperatorID == req.ToOperatorID {
		return nil, fmt.Errorf("cannot transfer a chat to the same operator: %w", domain.ErrInvalidRequest)
	}
	if who.OperatorID != req.FromOperatorID && !who.Can(domain.CapSuperviseChats) {
		return nil, fmt.Errorf("operator %s cannot transfer for %s: %w", who.OperatorID, req.FromOperatorID, domain.ErrForbidden)
	}

	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusWithOperator || session.OperatorID != req.FromOperatorID {
		return nil, fmt.Errorf("session %s is not held by %s: %w", sessionID, req.FromOperatorID, domain.ErrInvalidState)
	}

	target, err := s.operators.Get(ctx, req.ToOperatorID)
	if err != nil {
		return nil, err
	}
	if !target.Role.Can(domain.CapHandleChats) {
		return nil, fmt.Errorf("operator %s cannot handle chats: %w", target.ID, domain.ErrInvalidRequest)
	}

	op, err := s.assignTo(ctx, session, target.ID, domain.ReasonTransfer)
	if errors.Is(err, errOperatorGone) {
		return nil, fmt.Errorf("operator %s is offline: %w", target.ID, domain.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	s.notify(ctx, op, domain.Notification{Event: domain.EventChatReassigned, SessionID: sessionID, Reason: domain.ReasonTransfer})
	return session, nil
}

// WarnIdle sends the single inactivity warning for a session whose last
// activity is at or before cutoff. It reports whether a warning went out.
func (s *SessionService) WarnIdle(ctx context.Context, sessionID string, cutoff, closesAt time.Time) (bool, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !idleCandidate(session, cutoff) || session.WarnedAt != nil {
		return false, nil
	}
	if _, err := s.apply(ctx, session, repository.SessionChange{MarkWarned: true}); err != nil {
		return false, err
	}
	s.publish(realtime.SessionChannel(sessionID), domain.EventTimeoutWarning, WarningPayload{SessionID: sessionID, ClosesAt: closesAt})
	return true, nil
}

// CloseIdle closes a session that has been inactive since cutoff
func (s *SessionService) CloseIdle(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !idleCandidate(session, cutoff) {
		return false, nil
	}
	if err := s.closeLocked(ctx, session, domain.CloseByTimeout); err != nil {
		return false, err
	}
	return true, nil
}

// ListIdle returns sessions subject to the inactivity timeout whose last
// activity is at or before cutoff.
func (s *SessionService) ListIdle(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	return s.sessions.ListIdle(ctx, idleStatuses, cutoff.UnixMilli())
}

var idleStatuses = []domain.SessionStatus{domain.StatusActive, domain.StatusWithOperator}

func idleCandidate(session *domain.Session, cutoff time.Time) bool {
	if session.Status != domain.StatusActive && session.Status != domain.StatusWithOperator {
		return false
	}
	return !session.LastMessageAt.After(cutoff)
}

// Failover hands every session of an operator that went away to another
// online operator, or parks it in WAITING when nobody is left. Each
// session is handled on its own so one failure does not stop the rest.
func (s *SessionService) Failover(ctx context.Context, operatorID, reason string) error {
	held, err := s.sessions.List(ctx, domain.SessionFilter{
		Statuses:   []domain.SessionStatus{domain.StatusWithOperator},
		OperatorID: operatorID,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, h := range held {
		if err := s.failoverOne(ctx, h.ID, operatorID, reason); err != nil {
			s.logger.Error("failed to reassign session",
				zap.String("session_id", h.ID),
				zap.String("operator_id", operatorID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SessionService) failoverOne(ctx context.Context, sessionID, operatorID, reason string) error {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusWithOperator || session.OperatorID != operatorID {
		return nil
	}
	return s.failoverLocked(ctx, session, reason)
}

// failoverLocked moves a WITH_OPERATOR session away from its operator.
// Callers hold the session lock.
func (s *SessionService) failoverLocked(ctx context.Context, session *domain.Session, reason string) error {
	sessionID := session.ID
	operatorID := session.OperatorID

	op, err := s.assign(ctx, session, operatorID, reason)
	if err != nil {
		return err
	}
	if op != nil {
		s.notify(ctx, op, domain.Notification{Event: domain.EventChatReassigned, SessionID: sessionID, Reason: reason})
		return nil
	}

	status := domain.StatusWaiting
	none := ""
	note := &domain.Message{Kind: domain.KindSystem, Content: "Your operator disconnected. Waiting for the next available operator."}
	change := repository.SessionChange{Status: &status, OperatorID: &none, Append: []*domain.Message{note}}
	if _, err := s.apply(ctx, session, change); err != nil {
		return err
	}
	s.logger.Info("session waiting for operator",
		zap.String("session_id", sessionID),
		zap.String("previous_operator_id", operatorID),
		zap.String("reason", reason),
	)
	s.publish(realtime.SessionChannel(sessionID), domain.EventOperatorDisconnected, DisconnectedPayload{
		SessionID:  sessionID,
		OperatorID: operatorID,
		Reason:     reason,
		Pending:    true,
	})
	s.publish(realtime.DashboardChannel, domain.EventOperatorDisconnected, DisconnectedPayload{
		SessionID:  sessionID,
		OperatorID: operatorID,
		Reason:     reason,
		Pending:    true,
	})
	return nil
}

// ListOrphaned returns sessions still held by an operator who is offline.
// They are left behind when a failover fails halfway.
func (s *SessionService) ListOrphaned(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.ListOrphaned(ctx)
}

// RecoverOrphan fails over a session whose operator is offline. It reports
// false when the session no longer needs it.
func (s *SessionService) RecoverOrphan(ctx context.Context, sessionID string) (bool, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session.Status != domain.StatusWithOperator {
		return false, nil
	}
	op, err := s.operators.Get(ctx, session.OperatorID)
	if err != nil {
		return false, err
	}
	if op.IsOnline {
		return false, nil
	}

	s.logger.Warn("recovering session held by offline operator",
		zap.String("session_id", sessionID),
		zap.String("operator_id", op.ID),
	)
	if err := s.failoverLocked(ctx, session, domain.ReasonOperatorOffline); err != nil {
		return false, err
	}
	return true, nil
}

// resumeWaiting offers sessions parked in WAITING to the operators that
// are online now, oldest first.
func (s *SessionService) resumeWaiting(ctx context.Context) {
	waiting, err := s.sessions.List(ctx, domain.SessionFilter{
		Statuses: []domain.SessionStatus{domain.StatusWaiting},
	})
	if err != nil {
		s.logger.Warn("failed to list waiting sessions", zap.Error(err))
		return
	}
	for i := len(waiting) - 1; i >= 0; i-- {
		if err := s.resumeOne(ctx, waiting[i].ID); err != nil {
			s.logger.Warn("failed to resume waiting session",
				zap.String("session_id", waiting[i].ID),
				zap.Error(err),
			)
		}
	}
}

func (s *SessionService) resumeOne(ctx context.Context, sessionID string) error {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusWaiting {
		return nil
	}
	op, err := s.assign(ctx, session, "", domain.ReasonOperatorAvailable)
	if err != nil || op == nil {
		return err
	}
	s.notify(ctx, op, domain.Notification{Event: domain.EventChatReassigned, SessionID: sessionID, Reason: domain.ReasonOperatorAvailable})
	return nil
}

// Stats summarizes sessions per status for the dashboard
func (s *SessionService) Stats(ctx context.Context) (map[domain.SessionStatus]int, error) {
	return s.sessions.CountByStatus(ctx)
}

// apply writes change against the session's current version and mirrors
// it onto session. Callers hold the session lock.
func (s *SessionService) apply(ctx context.Context, session *domain.Session, change repository.SessionChange) (int64, error) {
	if change.Status != nil && *change.Status != session.Status && !session.Status.CanTransition(*change.Status) {
		return 0, fmt.Errorf("session %s cannot move from %s to %s: %w",
			session.ID, session.Status, *change.Status, domain.ErrInvalidState)
	}

	now := s.Now()
	change.SessionID = session.ID
	change.ExpectVersion = session.Version
	version, err := s.sessions.Apply(ctx, change, now.UnixMilli())
	if err != nil {
		return 0, err
	}

	session.Version = version
	if change.Status != nil {
		session.Status = *change.Status
	}
	if change.OperatorID != nil {
		session.OperatorID = *change.OperatorID
		if session.OperatorID != "" {
			session.LastOperatorID = session.OperatorID
		}
	}
	if change.Close {
		closedAt := now
		session.ClosedAt = &closedAt
	}
	touched := false
	for _, m := range change.Append {
		session.Messages = append(session.Messages, *m)
		if m.Kind != domain.KindSystem {
			touched = true
		}
	}
	if touched {
		session.LastMessageAt = now
		session.WarnedAt = nil
	} else if change.MarkWarned {
		warnedAt := now
		session.WarnedAt = &warnedAt
	}
	return version, nil
}

func (s *SessionService) publish(channel, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(channel, eventType, data)
}

func (s *SessionService) notify(ctx context.Context, op *domain.Operator, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = s.Now()
	}
	if err := s.notifier.Notify(ctx, op, n); err != nil {
		s.logger.Warn("failed to notify operator",
			zap.String("operator_id", op.ID),
			zap.String("event", n.Event),
			zap.Error(err),
		)
	}
}
