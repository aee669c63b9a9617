// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulseboard/realtime/internal/model"
	"github.com/pulseboard/realtime/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Domain      string `json:"domain" binding:"required"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Domain       string   `json:"domain"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	Participants []string `json:"participants"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	participants := s.Participants
	if participants == nil {
		participants = []string{}
	}
	return &SessionResponse{
		ID:           s.ID,
		Name:         s.Name,
		Description:  s.Description,
		Domain:       s.Domain,
		CreatedBy:    s.CreatedBy,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
		Participants: participants,
	}
}

// getUserID extracts the user ID from the request context.
// In a real deployment this is set by authentication middleware from the
// bearer token; unauthenticated requests fall back to a development user.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get("userID"); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return "default-user"
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), &model.CreateSessionRequest{
		Name:        req.Name,
		Description: req.Description,
		Domain:      req.Domain,
		CreatedBy:   getUserID(c),
	})
	if err != nil {
		if errors.Is(err, model.ErrNameRequired) || errors.Is(err, model.ErrDomainRequired) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// Get handles GET /api/sessions/:id - retrieves a session.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessionManager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// List handles GET /api/sessions?domain=... - lists sessions for a domain.
func (h *SessionHandler) List(c *gin.Context) {
	domain := c.Query("domain")
	if domain == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "domain query parameter is required")
		return
	}

	sessions, err := h.sessionManager.List(c.Request.Context(), domain)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	responses := make([]*SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		responses = append(responses, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": responses})
}

// Join handles POST /api/sessions/:id/join - joins a session.
func (h *SessionHandler) Join(c *gin.Context) {
	sess, err := h.sessionManager.Join(c.Request.Context(), c.Param("id"), getUserID(c))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to join session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Leave handles POST /api/sessions/:id/leave - leaves a session.
func (h *SessionHandler) Leave(c *gin.Context) {
	err := h.sessionManager.Leave(c.Request.Context(), c.Param("id"), getUserID(c))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
			return
		}
		if errors.Is(err, model.ErrNotParticipant) {
			sendError(c, http.StatusConflict, "NOT_PARTICIPANT", "Not a participant of this session")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to leave session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.Create)
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
	rg.POST("/sessions/:id/join", h.Join)
	rg.POST("/sessions/:id/leave", h.Leave)
}
