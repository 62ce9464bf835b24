package api

import (
	"context"
	"net/http"

	"github.com/realtime-ai/presenced/internal/auth"
	"github.com/realtime-ai/presenced/internal/contextkey"
	"github.com/realtime-ai/presenced/internal/utils"
)

// HealthzHandler returns API health status
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		r.logger.Error(req.Context(), "Health check failed: store unreachable: %v", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "Store unreachable")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// DebugUserConnectionsHandler lists the live connection ids registered for a user.
func (r *Router) DebugUserConnectionsHandler(w http.ResponseWriter, req *http.Request) {
	userID := req.PathValue("user")
	if userID == "" {
		utils.RespondError(w, http.StatusBadRequest, "User is required")
		return
	}

	conns, err := r.index.ListUserConnections(req.Context(), userID)
	if err != nil {
		r.logger.Error(req.Context(), "Failed to list connections for user %s: %v", userID, err)
		utils.RespondError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"conns":  conns,
	})
}

// DebugRoomHandler returns a room's member set and live snapshot.
func (r *Router) DebugRoomHandler(w http.ResponseWriter, req *http.Request) {
	roomID := req.PathValue("room")
	if roomID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Room is required")
		return
	}

	members, err := r.index.ListMembers(req.Context(), roomID)
	if err != nil {
		r.logger.Error(req.Context(), "Failed to list members for room %s: %v", roomID, err)
		utils.RespondError(w, http.StatusInternalServerError, "Failed to list members")
		return
	}

	snapshot, err := r.svc.FetchRoomSnapshot(req.Context(), roomID)
	if err != nil {
		r.logger.Error(req.Context(), "Failed to fetch snapshot for room %s: %v", roomID, err)
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch snapshot")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"roomId":       roomID,
		"members":      members,
		"snapshot":     snapshot,
		"localClients": r.hub.Clients(roomID),
	})
}

// AuthMiddleware validates JWT and stores the user id in the request context
func (r *Router) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			utils.RespondError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		tokenString, err := auth.ExtractTokenFromHeader(authHeader)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, "Invalid authorization header")
			return
		}

		claims, err := r.jwtMgr.ValidateToken(tokenString)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(req.Context(), contextkey.ContextKeyUserID, claims.UserID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
