package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/livedesk/internal/api/chat"
	"github.com/liliang-cn/livedesk/internal/api/middleware"
	"github.com/liliang-cn/livedesk/internal/api/operator"
	"github.com/liliang-cn/livedesk/internal/api/socket"
	"github.com/liliang-cn/livedesk/internal/realtime"
	"github.com/liliang-cn/livedesk/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
}

// SetupRouter sets up the Gin router
func SetupRouter(
	sessions *service.SessionService,
	hub *realtime.Hub,
	logger *zap.Logger,
	cfg RouterConfig,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))

	r.Use(middleware.CORS(cfg.AllowOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// End-user API (public, scoped by session ID)
	public := r.Group("/api")

	// Operator API (API key plus operator identity)
	staff := r.Group("/api")
	staff.Use(middleware.Auth(cfg.APIKey), middleware.Identity(sessions))

	// Account management (API key only)
	admin := r.Group("/api/admin")
	admin.Use(middleware.Auth(cfg.APIKey))

	chat.NewHandler(sessions).RegisterRoutes(public, staff)
	operator.NewHandler(sessions).RegisterRoutes(admin, staff)
	socket.NewHandler(sessions, hub, cfg.APIKey, cfg.AllowOrigins, logger).RegisterRoutes(public)

	return r
}
