package model

import "time"

// Session represents a named collaboration session on one domain.
// Participants is the authoritative roster on the server; clients hold a
// read-mostly mirror reconciled via session_updated envelopes.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Domain       string    `json:"domain"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Participants []string  `json:"participants"`
}

// HasParticipant reports whether the given participant is in the roster.
func (s *Session) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Domain      string `json:"domain" binding:"required"`
	CreatedBy   string `json:"-"`
}

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	if r.Name == "" {
		return ErrNameRequired
	}
	if r.Domain == "" {
		return ErrDomainRequired
	}
	return nil
}
