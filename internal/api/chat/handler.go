package chat

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/livedesk/internal/api/middleware"
	"github.com/liliang-cn/livedesk/internal/api/respond"
	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/liliang-cn/livedesk/internal/service"
)

// Handler handles chat API requests
type Handler struct {
	sessions *service.SessionService
}

// NewHandler creates a new chat handler
func NewHandler(sessions *service.SessionService) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes registers the user-facing routes on public and the
// operator-scoped ones on staff.
func (h *Handler) RegisterRoutes(public, staff *gin.RouterGroup) {
	public.POST("/chats", h.Create)
	public.GET("/chats/:id", h.Get)
	public.POST("/chats/:id/messages", h.PostMessage)
	public.POST("/chats/:id/operator", h.RequestOperator)

	staff.GET("/chats", h.List)
	staff.POST("/chats/:id/close", h.Close)
	staff.POST("/chats/:id/transfer", h.Transfer)
	staff.POST("/chats/:id/operator-messages", h.OperatorMessage)
	staff.POST("/chats/:id/join", h.Join)
	staff.GET("/stats", h.Stats)
}

// Create opens a session
func (h *Handler) Create(c *gin.Context) {
	var req domain.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.BadRequest(c, err)
			return
		}
	}

	session, err := h.sessions.Create(c.Request.Context(), req)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// Get returns a session with its messages
func (h *Handler) Get(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// PostMessage handles a user message
func (h *Handler) PostMessage(c *gin.Context) {
	var req domain.UserMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}

	result, err := h.sessions.SubmitUserMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RequestOperator asks for a human. No available operator is a 200 with
// unavailable set, so the client can offer a ticket instead.
func (h *Handler) RequestOperator(c *gin.Context) {
	result, err := h.sessions.RequestOperator(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// List returns sessions filtered by status and operator
func (h *Handler) List(c *gin.Context) {
	filter := domain.SessionFilter{OperatorID: c.Query("operator_id")}
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			status := domain.SessionStatus(strings.ToUpper(strings.TrimSpace(s)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				respond.BadRequest(c, fmt.Errorf("unknown status %q", s))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respond.BadRequest(c, fmt.Errorf("invalid limit %q", limit))
			return
		}
		filter.Limit = n
	}

	sessions, err := h.sessions.List(c.Request.Context(), filter)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"chats": sessions})
}

// Close closes a session as the calling operator
func (h *Handler) Close(c *gin.Context) {
	who, _ := middleware.GetIdentity(c)
	session, err := h.sessions.Close(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// Transfer hands a session to another operator
func (h *Handler) Transfer(c *gin.Context) {
	var req domain.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}

	who, _ := middleware.GetIdentity(c)
	session, err := h.sessions.Transfer(c.Request.Context(), who, c.Param("id"), req)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// OperatorMessage posts a message from the assigned operator
func (h *Handler) OperatorMessage(c *gin.Context) {
	var req domain.OperatorMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}

	who, _ := middleware.GetIdentity(c)
	msg, err := h.sessions.OperatorMessage(c.Request.Context(), who, c.Param("id"), req.OperatorID, req.Content)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// Join announces the operator on the session channel and returns the session
func (h *Handler) Join(c *gin.Context) {
	who, _ := middleware.GetIdentity(c)
	session, err := h.sessions.JoinAsOperator(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// Stats returns session counts per status
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := h.sessions.Stats(ctx)
	if err != nil {
		respond.Error(c, err)
		return
	}
	operators, err := h.sessions.Operators(ctx)
	if err != nil {
		respond.Error(c, err)
		return
	}

	online := 0
	for _, op := range operators {
		if op.IsOnline {
			online++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":         counts,
		"operators":        len(operators),
		"operators_online": online,
	})
}
