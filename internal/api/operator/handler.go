package operator

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/livedesk/internal/api/middleware"
	"github.com/liliang-cn/livedesk/internal/api/respond"
	"github.com/liliang-cn/livedesk/internal/domain"
	"github.com/liliang-cn/livedesk/internal/service"
)

// Handler handles operator registry requests
type Handler struct {
	sessions *service.SessionService
}

// NewHandler creates a new operator handler
func NewHandler(sessions *service.SessionService) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes registers account management on admin and presence on staff
func (h *Handler) RegisterRoutes(admin, staff *gin.RouterGroup) {
	admin.POST("/operators", h.Create)

	staff.GET("/operators", h.List)
	staff.GET("/operators/:id", h.Get)
	staff.POST("/operators/:id/heartbeat", h.Heartbeat)
	staff.PUT("/operators/:id/status", h.SetStatus)
}

// Create registers an operator
func (h *Handler) Create(c *gin.Context) {
	var req domain.CreateOperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}

	op, err := h.sessions.Register(c.Request.Context(), req)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, op)
}

// List returns all operators
func (h *Handler) List(c *gin.Context) {
	operators, err := h.sessions.Operators(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"operators": operators})
}

// Get returns one operator
func (h *Handler) Get(c *gin.Context) {
	op, err := h.sessions.Operator(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, op)
}

// Heartbeat records operator liveness
func (h *Handler) Heartbeat(c *gin.Context) {
	id := c.Param("id")
	if !h.allowed(c, id) {
		return
	}

	if err := h.sessions.Heartbeat(c.Request.Context(), id); err != nil {
		respond.Error(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// SetStatus toggles presence
func (h *Handler) SetStatus(c *gin.Context) {
	id := c.Param("id")
	if !h.allowed(c, id) {
		return
	}

	var req domain.OperatorStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}

	if err := h.sessions.SetStatus(c.Request.Context(), id, req.Online); err != nil {
		respond.Error(c, err)
		return
	}

	op, err := h.sessions.Operator(c.Request.Context(), id)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// allowed lets operators change their own presence, and supervisors anyone's
func (h *Handler) allowed(c *gin.Context, id string) bool {
	who, _ := middleware.GetIdentity(c)
	if who.OperatorID == id || who.Can(domain.CapSuperviseChats) {
		return true
	}
	respond.Error(c, fmt.Errorf("operator %s cannot act for %s: %w", who.OperatorID, id, domain.ErrForbidden))
	return false
}
