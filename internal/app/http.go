package app

import (
	"github.com/hestia-labs/hestia-backend/internal/http"
	httpH "github.com/hestia-labs/hestia-backend/internal/http/handlers"
	httpMW "github.com/hestia-labs/hestia-backend/internal/http/middleware"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/sse"
)

type Middleware struct {
	Auth    *httpMW.AuthMiddleware
	Service *httpMW.ServiceAuthMiddleware
}

type Handlers struct {
	Health       *httpH.HealthHandler
	SessionState *httpH.SessionStateHandler
	Analyze      *httpH.AnalyzeHandler
	Thinking     *httpH.ThinkingHandler
	Sessions     *httpH.SessionHandler
	ChatView     *httpH.ChatViewHandler
	Internal     *httpH.InternalResponseHandler
	Realtime     *httpH.RealtimeHandler
}

func wireMiddleware(log *logger.Logger, cfg Config) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth:    httpMW.NewAuthMiddleware(log, cfg.JWTSecretKey),
		Service: httpMW.NewServiceAuthMiddleware(log, cfg.ServiceSecret),
	}
}

func wireHandlers(log *logger.Logger, serviceset Services, hub *sse.Hub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:       httpH.NewHealthHandler(),
		SessionState: httpH.NewSessionStateHandler(serviceset.States),
		Analyze:      httpH.NewAnalyzeHandler(log, serviceset.Sender),
		Thinking:     httpH.NewThinkingHandler(serviceset.Thinking),
		Sessions:     httpH.NewSessionHandler(serviceset.Chats),
		ChatView:     httpH.NewChatViewHandler(log, serviceset.Coordinator, serviceset.Reconciler, serviceset.States, serviceset.Chats),
		Internal:     httpH.NewInternalResponseHandler(log, serviceset.States, serviceset.Chats),
		Realtime:     httpH.NewRealtimeHandler(log, hub),
	}
}

func wireServer(log *logger.Logger, handlers Handlers, middleware Middleware) *http.Server {
	return http.NewServer(log, http.RouterConfig{
		Log:                 log,
		AuthMiddleware:      middleware.Auth,
		ServiceMiddleware:   middleware.Service,
		HealthHandler:       handlers.Health,
		SessionStateHandler: handlers.SessionState,
		AnalyzeHandler:      handlers.Analyze,
		ThinkingHandler:     handlers.Thinking,
		SessionHandler:      handlers.Sessions,
		ChatViewHandler:     handlers.ChatView,
		InternalResponse:    handlers.Internal,
		RealtimeHandler:     handlers.Realtime,
	})
}
