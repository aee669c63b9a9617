// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pulseboard/realtime/internal/ws"
)

// WebSocketHandler handles WebSocket upgrade requests for realtime domains.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Connect handles GET /api/ws/:domain - opens the realtime channel for a
// domain. An optional token query parameter carries the bearer
// credential; connections without one are accepted and left
// unattributed, with authorization enforced by the session endpoints.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	domain := c.Param("domain")
	if domain == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Domain is required")
		return
	}

	userID := userFromToken(c.Query("token"))

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, domain, userID); err != nil {
		// Upgrade failures have already written a response.
		return
	}
}

// userFromToken resolves a bearer token to a user ID. The token is
// opaque to this subsystem; the demo resolver accepts "user:<id>" tokens
// so the reference server is usable without an identity provider.
func userFromToken(token string) string {
	if token == "" {
		return ""
	}
	if id, ok := strings.CutPrefix(token, "user:"); ok {
		return id
	}
	return token
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws/:domain", h.Connect)
}
