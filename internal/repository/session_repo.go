package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulseboard/realtime/internal/model"
)

// SessionRepository provides data access for collaboration sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session and seeds its roster with the creator.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO sessions (id, name, description, domain, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		session.ID,
		session.Name,
		session.Description,
		session.Domain,
		session.CreatedBy,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for _, p := range session.Participants {
		if err := addParticipantTx(ctx, tx, session.ID, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID retrieves a session and its roster by session ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, name, description, domain, created_by, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	session := &model.Session{}
	var description sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Name,
		&description,
		&session.Domain,
		&session.CreatedBy,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if description.Valid {
		session.Description = description.String
	}

	participants, err := r.Participants(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Participants = participants

	return session, nil
}

// ListByDomain retrieves all sessions for a domain, newest first.
func (r *SessionRepository) ListByDomain(ctx context.Context, domain string) ([]*model.Session, error) {
	query := `
		SELECT id, name, description, domain, created_by, created_at, updated_at
		FROM sessions
		WHERE domain = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session := &model.Session{}
		var description sql.NullString
		if err := rows.Scan(
			&session.ID,
			&session.Name,
			&description,
			&session.Domain,
			&session.CreatedBy,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if description.Valid {
			session.Description = description.String
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	for _, s := range sessions {
		participants, err := r.Participants(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		s.Participants = participants
	}

	return sessions, nil
}

// Participants retrieves the roster for a session in join order.
func (r *SessionRepository) Participants(ctx context.Context, sessionID string) ([]string, error) {
	query := `
		SELECT participant_id
		FROM session_participants
		WHERE session_id = ?
		ORDER BY joined_at ASC, participant_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	participants := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}

	return participants, nil
}

// AddParticipant adds a participant to a session roster. Adding a
// participant that is already present is a no-op.
func (r *SessionRepository) AddParticipant(ctx context.Context, sessionID, participantID string) error {
	if _, err := r.GetByID(ctx, sessionID); err != nil {
		return err
	}

	query := `
		INSERT OR IGNORE INTO session_participants (session_id, participant_id)
		VALUES (?, ?)
	`
	if _, err := r.db.ExecContext(ctx, query, sessionID, participantID); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return r.touch(ctx, sessionID)
}

// RemoveParticipant removes a participant from a session roster.
func (r *SessionRepository) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	query := `
		DELETE FROM session_participants
		WHERE session_id = ? AND participant_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, sessionID, participantID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal: %w", err)
	}
	if affected == 0 {
		return model.ErrNotParticipant
	}
	return r.touch(ctx, sessionID)
}

// Delete removes a session and its roster.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_participants WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete participants: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) touch(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func addParticipantTx(ctx context.Context, tx *sql.Tx, sessionID, participantID string) error {
	query := `
		INSERT OR IGNORE INTO session_participants (session_id, participant_id)
		VALUES (?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, sessionID, participantID); err != nil {
		return fmt.Errorf("failed to seed participant: %w", err)
	}
	return nil
}
