// Package session coordinates named collaboration sessions on the
// server: creation, roster membership, and broadcast of roster changes
// to the owning domain hub.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pulseboard/realtime/internal/model"
	"github.com/pulseboard/realtime/internal/repository"
	"github.com/pulseboard/realtime/internal/ws"
	"github.com/pulseboard/realtime/pkg/protocol"
)

// Manager manages collaboration sessions.
type Manager struct {
	repo *repository.SessionRepository
	hubs *ws.HubManager
}

// NewManager creates a new session manager.
func NewManager(repo *repository.SessionRepository, hubs *ws.HubManager) *Manager {
	return &Manager{
		repo: repo,
		hubs: hubs,
	}
}

// Create creates a new session with the creator as its first
// participant and announces it on the domain hub.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	session := &model.Session{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Description:  req.Description,
		Domain:       req.Domain,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []string{req.CreatedBy},
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.announce(session, protocol.MessageTypeSessionCreated)
	return session, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	return m.repo.GetByID(ctx, id)
}

// List retrieves all sessions for a domain.
func (m *Manager) List(ctx context.Context, domain string) ([]*model.Session, error) {
	return m.repo.ListByDomain(ctx, domain)
}

// Join adds a participant to a session and broadcasts the new roster.
// Joining a session twice is idempotent.
func (m *Manager) Join(ctx context.Context, sessionID, participantID string) (*model.Session, error) {
	if err := m.repo.AddParticipant(ctx, sessionID, participantID); err != nil {
		return nil, err
	}

	session, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.announce(session, protocol.MessageTypeSessionUpdated)
	return session, nil
}

// Leave removes a participant from a session and broadcasts the new
// roster. A session whose last participant leaves is discarded.
func (m *Manager) Leave(ctx context.Context, sessionID, participantID string) error {
	if err := m.repo.RemoveParticipant(ctx, sessionID, participantID); err != nil {
		return err
	}

	session, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(session.Participants) == 0 {
		if err := m.repo.Delete(ctx, sessionID); err != nil {
			log.Printf("Failed to delete empty session %s: %v", sessionID, err)
		}
		return nil
	}

	m.announce(session, protocol.MessageTypeSessionUpdated)
	return nil
}

// announce broadcasts the current roster to every client on the
// session's domain. Clients filter by session_id.
func (m *Manager) announce(session *model.Session, msgType protocol.MessageType) {
	hub := m.hubs.Get(session.Domain)
	if hub == nil {
		return
	}

	env, err := protocol.NewEnvelope(msgType, session.Domain, protocol.ParticipantsPayload{
		Participants: session.Participants,
	})
	if err != nil {
		log.Printf("Failed to build %s envelope: %v", msgType, err)
		return
	}
	env.SessionID = session.ID

	if err := hub.BroadcastEnvelope(env); err != nil {
		log.Printf("Failed to broadcast %s for session %s: %v", msgType, session.ID, err)
	}
}
