package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/realtime-ai/presenced/internal/auth"
	"github.com/realtime-ai/presenced/internal/config"
	"github.com/realtime-ai/presenced/internal/metadata"
	"github.com/realtime-ai/presenced/internal/middleware"
	"github.com/realtime-ai/presenced/internal/presence"
	"github.com/realtime-ai/presenced/internal/rooms"
	"github.com/realtime-ai/presenced/internal/store"
	"github.com/realtime-ai/presenced/internal/utils"
)

type Router struct {
	mux     *http.ServeMux
	store   *store.Store
	svc     *presence.Service
	index   *presence.RoomIndex
	hub     *rooms.Hub
	gateway *SocketGateway
	jwtMgr  *auth.JWTManager
	cfg     *config.Config
	logger  *utils.Logger
}

// NewRouter creates a new HTTP router with configured handlers and middleware
func NewRouter(st *store.Store, svc *presence.Service, index *presence.RoomIndex, meta *metadata.Store, hub *rooms.Hub, jwtMgr *auth.JWTManager, cfg *config.Config, logger *utils.Logger) http.Handler {
	rateLimiter := middleware.NewRateLimiter(st.Client(), logger)

	r := &Router{
		mux:     http.NewServeMux(),
		store:   st,
		svc:     svc,
		index:   index,
		hub:     hub,
		gateway: NewSocketGateway(svc, meta, logger),
		jwtMgr:  jwtMgr,
		cfg:     cfg,
		logger:  logger,
	}

	// Apply Request ID middleware to all requests
	routerWithMiddleware := middleware.RequestIDMiddleware(r.mux)

	// Apply Tracing middleware to all requests after Request ID
	routerWithMiddleware = middleware.TracingMiddleware(routerWithMiddleware)

	// Public endpoints
	r.mux.HandleFunc("/healthz", r.HealthzHandler)
	r.mux.Handle("/metrics", promhttp.Handler()) // Prometheus metrics endpoint

	// Read-only introspection, authenticated and rate limited
	r.mux.Handle("/debug/presence/{user}", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.DebugUserConnectionsHandler))))
	r.mux.Handle("/debug/rooms/{room}", r.AuthMiddleware(rateLimiter.Middleware(http.HandlerFunc(r.DebugRoomHandler))))

	// WebSocket endpoint authenticates with a token query parameter before
	// the upgrade; the per-connection frame limiter takes over from there
	r.mux.Handle("/ws", http.HandlerFunc(r.WebSocketHandler))

	return routerWithMiddleware
}
