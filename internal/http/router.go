package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/hestia-labs/hestia-backend/internal/http/handlers"
	httpMW "github.com/hestia-labs/hestia-backend/internal/http/middleware"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	AuthMiddleware    *httpMW.AuthMiddleware
	ServiceMiddleware *httpMW.ServiceAuthMiddleware

	SessionStateHandler *httpH.SessionStateHandler
	AnalyzeHandler      *httpH.AnalyzeHandler
	ThinkingHandler     *httpH.ThinkingHandler
	SessionHandler      *httpH.SessionHandler
	ChatViewHandler     *httpH.ChatViewHandler
	InternalResponse    *httpH.InternalResponseHandler
	RealtimeHandler     *httpH.RealtimeHandler
	HealthHandler       *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("hestia-backend"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Pending-state protocol
		if cfg.SessionStateHandler != nil {
			protected.GET("/hestia-states", cfg.SessionStateHandler.Get)
			protected.GET("/hestia-states/pending", cfg.SessionStateHandler.GetPending)
			protected.POST("/hestia-states/pending", cfg.SessionStateHandler.SetPending)
			protected.DELETE("/hestia-states/pending", cfg.SessionStateHandler.ClearPending)
			protected.GET("/hestia-states/response", cfg.SessionStateHandler.GetResponse)
			protected.POST("/hestia-states/response", cfg.SessionStateHandler.SetResponse)
			protected.DELETE("/hestia-states/response", cfg.SessionStateHandler.ClearResponse)
			protected.POST("/hestia-states/clear-error", cfg.SessionStateHandler.ClearError)
		}

		// Send orchestration
		if cfg.AnalyzeHandler != nil {
			protected.POST("/analyze", cfg.AnalyzeHandler.Analyze)
			protected.POST("/analyze/retry", cfg.AnalyzeHandler.Retry)
		}

		// Thinking side-channel (user-facing poll)
		if cfg.ThinkingHandler != nil {
			protected.GET("/thinking", cfg.ThinkingHandler.Get)
		}

		// Reconciled session view (loading machine + windowed messages)
		if cfg.ChatViewHandler != nil {
			protected.GET("/chat/state", cfg.ChatViewHandler.State)
			protected.GET("/chat/view", cfg.ChatViewHandler.View)
		}

		// Sessions and history
		if cfg.SessionHandler != nil {
			protected.GET("/sessions", cfg.SessionHandler.List)
			protected.POST("/sessions", cfg.SessionHandler.Create)
			protected.GET("/sessions/:id/messages", cfg.SessionHandler.Messages)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			protected.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
			protected.POST("/sse/subscribe", cfg.RealtimeHandler.SSESubscribe)
		}
	}

	// Only the workflow engine writes thinking text, so the append side is
	// service-scoped even on the public path.
	if cfg.ThinkingHandler != nil && cfg.ServiceMiddleware != nil {
		api.POST("/thinking", cfg.ServiceMiddleware.RequireService(), cfg.ThinkingHandler.Append)
	}

	// Workflow-engine callbacks authenticate with the shared service secret.
	internal := api.Group("/internal")
	{
		if cfg.ServiceMiddleware != nil {
			internal.Use(cfg.ServiceMiddleware.RequireService())
		}
		if cfg.InternalResponse != nil {
			internal.POST("/response", cfg.InternalResponse.Receive)
		}
		if cfg.ThinkingHandler != nil {
			internal.POST("/thinking", cfg.ThinkingHandler.Append)
		}
	}

	return r
}
