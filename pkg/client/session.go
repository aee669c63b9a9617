package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// Session is the client-side mirror of a server-tracked collaboration
// session. It is read-mostly: the roster is replaced wholesale whenever
// a session_updated envelope for this session arrives.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Domain       string    `json:"domain"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
}

// RequestError is a typed failure from the out-of-band session
// endpoints. Unlike transport errors these are surfaced synchronously to
// the caller.
type RequestError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
}

// SessionManager coordinates named collaboration sessions for one
// domain's connection. At most one session is current at a time.
type SessionManager struct {
	conn       *Conn
	baseURL    string
	httpClient *http.Client
	token      TokenProvider

	mu      sync.Mutex
	current *Session

	unsubscribe func()
}

// SessionManagerOption customizes a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithHTTPClient sets the client used for the session endpoints.
func WithHTTPClient(hc *http.Client) SessionManagerOption {
	return func(m *SessionManager) { m.httpClient = hc }
}

// WithSessionToken sets the bearer token provider for the session
// endpoints.
func WithSessionToken(tp TokenProvider) SessionManagerOption {
	return func(m *SessionManager) { m.token = tp }
}

// NewSessionManager creates a session manager layered on conn. baseURL
// is the HTTP API root, e.g. "http://localhost:8080/api".
func NewSessionManager(conn *Conn, baseURL string, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		conn:       conn,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = conn.OnEnvelope(m.handleEnvelope)
	return m
}

// Close detaches the manager from the connection. It does not leave the
// current session; navigation-away teardown discards the local mirror
// without a leave round trip.
func (m *SessionManager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Current returns a copy of the current session, or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := *m.current
	out.Participants = append([]string(nil), m.current.Participants...)
	return &out
}

// CreateSession creates a named session on this domain and makes it
// current. Errors propagate to the caller; there is no automatic retry.
func (m *SessionManager) CreateSession(ctx context.Context, name, description string) (*Session, error) {
	body := map[string]string{
		"name":        name,
		"description": description,
		"domain":      m.conn.Domain(),
	}

	var sess Session
	if err := m.doRequest(ctx, "create session", http.MethodPost, "/sessions", body, &sess); err != nil {
		return nil, err
	}

	m.setCurrent(&sess)
	return m.Current(), nil
}

// JoinSession joins an existing session and makes it current, replacing
// any previously current session.
func (m *SessionManager) JoinSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := m.doRequest(ctx, "join session", http.MethodPost, "/sessions/"+id+"/join", nil, &sess); err != nil {
		return nil, err
	}

	m.setCurrent(&sess)
	return m.Current(), nil
}

// LeaveSession leaves the current session. The local session is cleared
// only after the request succeeds; on failure it is retained and the
// error surfaced. No-op when no session is current.
func (m *SessionManager) LeaveSession(ctx context.Context) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current == nil {
		return nil
	}

	if err := m.doRequest(ctx, "leave session", http.MethodPost, "/sessions/"+current.ID+"/leave", nil, nil); err != nil {
		return err
	}

	m.mu.Lock()
	// Clear only if nothing replaced it while the request was in flight.
	if m.current != nil && m.current.ID == current.ID {
		m.current = nil
	}
	m.mu.Unlock()
	return nil
}

// UpdateSessionState broadcasts an arbitrary state blob scoped to the
// current session. Session state is ephemeral and advisory: when not
// connected or no session is current it is silently dropped, never
// queued.
func (m *SessionManager) UpdateSessionState(state interface{}) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current == nil || m.conn.Status() != StatusConnected {
		return
	}

	env, err := protocol.NewEnvelope(protocol.MessageTypeSessionState, m.conn.Domain(), state)
	if err != nil {
		return
	}
	env.SessionID = current.ID
	m.conn.Send(env)
}

// handleEnvelope reconciles inbound roster updates. A session_updated
// for the current session replaces the participant list wholesale;
// envelopes for any other session are ignored, which also covers interim
// updates arriving while a join is in flight (the join response carries
// the authoritative roster).
func (m *SessionManager) handleEnvelope(env *protocol.Envelope) {
	if env.Type != protocol.MessageTypeSessionUpdated {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || env.SessionID != m.current.ID {
		return
	}

	var payload protocol.ParticipantsPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	m.current.Participants = payload.Participants
}

func (m *SessionManager) setCurrent(sess *Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
}

func (m *SessionManager) doRequest(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if m.token != nil {
		if token, err := m.token.Token(ctx); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       "UNKNOWN",
			Message:    resp.Status,
		}
		var errBody struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error.Code != "" {
			reqErr.Code = errBody.Error.Code
			reqErr.Message = errBody.Error.Message
		}
		return reqErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	}
	return nil
}
