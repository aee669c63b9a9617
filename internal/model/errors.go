package model

import "errors"

var (
	// ErrNameRequired is returned when a session creation request is missing the name.
	ErrNameRequired = errors.New("session name is required")

	// ErrDomainRequired is returned when a session creation request is missing the domain.
	ErrDomainRequired = errors.New("domain is required")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotParticipant is returned when a leave request names a participant
	// that is not in the session roster.
	ErrNotParticipant = errors.New("not a session participant")

	// ErrUnauthorized is returned when a user is not authorized.
	ErrUnauthorized = errors.New("unauthorized")
)
