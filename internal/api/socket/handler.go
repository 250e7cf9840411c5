// Package socket serves the realtime websocket endpoint. Each connection
// is either an end user bound to one session, or an operator who joined
// the dashboard.
package socket

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/liliang-cn/livedesk/internal/api/middleware"
	"github.com/liliang-cn/livedesk/internal/api/respond"
	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/liliang-cn/livedesk/internal/realtime"
	"github.com/liliang-cn/livedesk/internal/service"
	"go.uber.org/zap"
)

// Inbound actions
const (
	ActionJoinChat           = "join_chat"
	ActionLeaveChat          = "leave_chat"
	ActionUserMessage        = "user_message"
	ActionRequestOperator    = "request_operator"
	ActionJoinDashboard      = "join_dashboard"
	ActionOperatorMessage    = "operator_message"
	ActionJoinChatAsOperator = "join_chat_as_operator"
	ActionCloseChat          = "close_chat"
	ActionHeartbeat          = "heartbeat"
)

// Replies sent only to the acting connection
const (
	ReplyError             = "error"
	ReplyOperatorRequested = "operator_requested"
	ReplyDashboardJoined   = "dashboard_joined"
)

// Handler upgrades connections and dispatches their actions
type Handler struct {
	sessions *service.SessionService
	hub      *realtime.Hub
	apiKey   string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a websocket handler. Connections presenting apiKey
// may act as operators.
func NewHandler(sessions *service.SessionService, hub *realtime.Hub, apiKey string, allowOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		hub:      hub,
		apiKey:   apiKey,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowOrigins, origin)
			},
		},
	}
}

// RegisterRoutes registers the websocket route
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Serve)
}

// connState is what one connection has proven about itself
type connState struct {
	staff bool
	role  domain.Role
}

// Serve upgrades the request and runs the connection until it closes
func (h *Handler) Serve(c *gin.Context) {
	state := &connState{staff: h.isStaff(c)}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := realtime.NewClient(h.hub, conn, h.logger)
	if client == nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		conn.Close()
		return
	}

	client.Run(c.Request.Context(), func(ctx context.Context, cl *realtime.Client, in realtime.Inbound) {
		if err := h.dispatch(ctx, cl, state, in); err != nil {
			cl.Reply(ReplyError, h.errorFor(in.Action, err))
		}
	})
}

func (h *Handler) isStaff(c *gin.Context) bool {
	if h.apiKey == "" {
		return true
	}
	key := c.GetHeader("X-API-Key")
	if key == "" {
		key = c.Query("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}

type errorPayload struct {
	Action string `json:"action"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// errorFor builds the error frame. Internal failures are logged and not
// shown to the client, as on the REST side.
func (h *Handler) errorFor(action string, err error) errorPayload {
	status := respond.Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("websocket action failed", zap.String("action", action), zap.Error(err))
		msg = respond.InternalErrorMessage
	}
	return errorPayload{Action: action, Status: status, Error: msg}
}

// actionData covers every inbound payload. A bare JSON string is read as
// the action's main ID.
type actionData struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	Content    string `json:"content"`
}

func decode(in realtime.Inbound) (actionData, error) {
	var d actionData
	raw := bytes.TrimSpace(in.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return d, nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return d, fmt.Errorf("invalid %s payload: %w", in.Action, domain.ErrInvalidRequest)
		}
		if in.Action == ActionJoinDashboard {
			d.OperatorID = id
		} else {
			d.SessionID = id
		}
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("invalid %s payload: %w", in.Action, domain.ErrInvalidRequest)
	}
	return d, nil
}

var errNotOperator = fmt.Errorf("join the dashboard first: %w", domain.ErrUnauthorized)

func (h *Handler) dispatch(ctx context.Context, cl *realtime.Client, state *connState, in realtime.Inbound) error {
	d, err := decode(in)
	if err != nil {
		return err
	}

	switch in.Action {
	case ActionJoinChat:
		return h.joinChat(ctx, cl, d)
	case ActionLeaveChat:
		cl.Leave(realtime.SessionChannel(d.SessionID))
		if cl.SessionID == d.SessionID {
			cl.SessionID = ""
		}
		return nil
	case ActionUserMessage:
		if err := userOwns(cl, d.SessionID); err != nil {
			return err
		}
		_, err := h.sessions.SubmitUserMessage(ctx, d.SessionID, d.Content)
		return err
	case ActionRequestOperator:
		if err := userOwns(cl, d.SessionID); err != nil {
			return err
		}
		result, err := h.sessions.RequestOperator(ctx, d.SessionID)
		if err != nil {
			return err
		}
		cl.Reply(ReplyOperatorRequested, result)
		return nil
	case ActionJoinDashboard:
		return h.joinDashboard(ctx, cl, state, d.OperatorID)
	}

	// Everything below acts as the operator bound by join_dashboard.
	if cl.OperatorID == "" {
		return errNotOperator
	}
	who := domain.Identity{OperatorID: cl.OperatorID, Role: state.role}
	if d.OperatorID != "" && d.OperatorID != who.OperatorID {
		return fmt.Errorf("connection is bound to operator %s: %w", who.OperatorID, domain.ErrForbidden)
	}

	switch in.Action {
	case ActionJoinChatAsOperator:
		session, err := h.sessions.JoinAsOperator(ctx, who, d.SessionID)
		if err != nil {
			return err
		}
		cl.Join(realtime.SessionChannel(session.ID))
		cl.Reply(domain.EventChatJoined, session)
		return nil
	case ActionOperatorMessage:
		_, err := h.sessions.OperatorMessage(ctx, who, d.SessionID, who.OperatorID, d.Content)
		return err
	case ActionCloseChat:
		_, err := h.sessions.Close(ctx, who, d.SessionID)
		return err
	case ActionHeartbeat:
		return h.sessions.Heartbeat(ctx, who.OperatorID)
	default:
		return fmt.Errorf("unknown action %q: %w", in.Action, domain.ErrInvalidRequest)
	}
}

// joinChat binds an end-user connection to one session
func (h *Handler) joinChat(ctx context.Context, cl *realtime.Client, d actionData) error {
	if cl.OperatorID != "" {
		return fmt.Errorf("operators join chats with %s: %w", ActionJoinChatAsOperator, domain.ErrInvalidRequest)
	}
	session, err := h.sessions.Get(ctx, d.SessionID)
	if err != nil {
		return err
	}

	if cl.SessionID != "" && cl.SessionID != session.ID {
		cl.Leave(realtime.SessionChannel(cl.SessionID))
	}
	cl.SessionID = session.ID
	cl.Join(realtime.SessionChannel(session.ID))
	cl.Reply(domain.EventChatJoined, session)
	return nil
}

func userOwns(cl *realtime.Client, sessionID string) error {
	if sessionID == "" || cl.SessionID != sessionID {
		return fmt.Errorf("join chat %q first: %w", sessionID, domain.ErrForbidden)
	}
	return nil
}

// joinDashboard binds the connection to an operator, subscribes it to its
// operator channel and the dashboard, and counts as a heartbeat.
func (h *Handler) joinDashboard(ctx context.Context, cl *realtime.Client, state *connState, operatorID string) error {
	if !state.staff {
		return fmt.Errorf("operator credentials required: %w", domain.ErrUnauthorized)
	}
	if cl.SessionID != "" {
		return fmt.Errorf("connection already joined chat %s: %w", cl.SessionID, domain.ErrInvalidRequest)
	}
	if cl.OperatorID != "" && cl.OperatorID != operatorID {
		return fmt.Errorf("connection is bound to operator %s: %w", cl.OperatorID, domain.ErrForbidden)
	}

	op, err := h.sessions.Operator(ctx, operatorID)
	if err != nil {
		return err
	}
	if err := h.sessions.Heartbeat(ctx, op.ID); err != nil {
		return err
	}

	cl.OperatorID = op.ID
	state.role = op.Role
	cl.Join(realtime.OperatorChannel(op.ID))
	cl.Join(realtime.DashboardChannel)

	chats, err := h.sessions.List(ctx, domain.SessionFilter{
		Statuses:   []domain.SessionStatus{domain.StatusWithOperator},
		OperatorID: op.ID,
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	cl.Reply(ReplyDashboardJoined, gin.H{"operator": op, "chats": chats})
	return nil
}
