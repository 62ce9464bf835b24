package api

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/realtime-ai/presenced/internal/rooms"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin more strictly
		return true
	},
}

// WebSocketHandler handles WebSocket upgrade and connection
func (r *Router) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	_, span := otel.Tracer("websocket-server").Start(req.Context(), "WebSocketConnection")
	defer span.End()

	// Extract JWT from query parameter
	token := req.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		span.SetStatus(codes.Error, "Missing token")
		return
	}

	// Validate token
	claims, err := r.jwtMgr.ValidateToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		span.SetStatus(codes.Error, fmt.Sprintf("Invalid token: %v", err))
		return
	}

	span.SetAttributes(attribute.String("user.id", claims.UserID))

	// Rooms are named by opaque ids minted by the application layer
	roomID := req.URL.Query().Get("room_id")
	if roomID == "" {
		http.Error(w, "Missing room_id", http.StatusBadRequest)
		span.SetStatus(codes.Error, "Missing room_id")
		return
	}

	span.SetAttributes(attribute.String("room.id", roomID))

	// Upgrade connection
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error(req.Context(), "Failed to upgrade WebSocket connection: %v", err)
		span.SetStatus(codes.Error, fmt.Sprintf("Failed to upgrade WebSocket connection: %v", err))
		return
	}

	span.SetStatus(codes.Ok, "WebSocket connection established")

	// Each socket gets a fresh connection identity; the client pumps own
	// the conn from here on
	connID := uuid.New().String()
	limiter := rate.NewLimiter(rate.Limit(r.cfg.WSFrameRate), r.cfg.WSFrameBurst)

	client := rooms.NewClient(conn, claims.UserID, connID, limiter, r.gateway, r.logger)
	r.hub.Attach(roomID, client)
	client.Start()
}
