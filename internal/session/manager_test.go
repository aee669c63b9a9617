package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulseboard/realtime/internal/db"
	"github.com/pulseboard/realtime/internal/model"
	"github.com/pulseboard/realtime/internal/repository"
	"github.com/pulseboard/realtime/internal/ws"
	"github.com/pulseboard/realtime/pkg/protocol"
)

func newTestManager(t *testing.T) (*Manager, *ws.HubManager) {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })

	hubs := ws.NewHubManager()
	t.Cleanup(hubs.Close)

	return NewManager(repository.NewSessionRepository(testDB), hubs), hubs
}

// attachObserver registers a hub client whose send channel exposes every
// broadcast on the domain.
func attachObserver(t *testing.T, hubs *ws.HubManager, domain string) *ws.Client {
	t.Helper()
	hub := hubs.GetOrCreate(domain)
	client := ws.NewClient(hub, nil, domain, "obs-conn", "observer")
	hub.Register(client)
	return client
}

func nextEnvelope(t *testing.T, client *ws.Client) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-client.SendChan():
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("broadcast frame did not parse: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func TestManagerCreateAnnounces(t *testing.T) {
	m, hubs := newTestManager(t)
	observer := attachObserver(t, hubs, "builder")
	ctx := context.Background()

	sess, err := m.Create(ctx, &model.CreateSessionRequest{
		Name:      "Design Review",
		Domain:    "builder",
		CreatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected a generated session id")
	}
	if len(sess.Participants) != 1 || sess.Participants[0] != "alice" {
		t.Errorf("expected roster seeded with creator, got %v", sess.Participants)
	}

	env := nextEnvelope(t, observer)
	if env.Type != protocol.MessageTypeSessionCreated {
		t.Errorf("expected session_created, got %s", env.Type)
	}
	if env.SessionID != sess.ID {
		t.Errorf("announcement must carry the session id, got %q", env.SessionID)
	}
}

func TestManagerCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), &model.CreateSessionRequest{Domain: "builder", CreatedBy: "alice"})
	if !errors.Is(err, model.ErrNameRequired) {
		t.Errorf("expected ErrNameRequired, got %v", err)
	}

	_, err = m.Create(context.Background(), &model.CreateSessionRequest{Name: "x", CreatedBy: "alice"})
	if !errors.Is(err, model.ErrDomainRequired) {
		t.Errorf("expected ErrDomainRequired, got %v", err)
	}
}

func TestManagerJoinBroadcastsRoster(t *testing.T) {
	m, hubs := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, &model.CreateSessionRequest{Name: "S", Domain: "builder", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	observer := attachObserver(t, hubs, "builder")

	joined, err := m.Join(ctx, sess.ID, "bob")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(joined.Participants) != 2 {
		t.Errorf("expected 2 participants, got %v", joined.Participants)
	}

	env := nextEnvelope(t, observer)
	if env.Type != protocol.MessageTypeSessionUpdated {
		t.Fatalf("expected session_updated, got %s", env.Type)
	}
	var roster protocol.ParticipantsPayload
	if err := env.DecodePayload(&roster); err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if len(roster.Participants) != 2 {
		t.Errorf("announcement must carry the full roster, got %v", roster.Participants)
	}

	// Joining again changes nothing but still re-announces the roster.
	if _, err := m.Join(ctx, sess.ID, "bob"); err != nil {
		t.Fatalf("idempotent join failed: %v", err)
	}

	_, err = m.Join(ctx, "ghost", "bob")
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerLeave(t *testing.T) {
	m, hubs := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, &model.CreateSessionRequest{Name: "S", Domain: "builder", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.Join(ctx, sess.ID, "bob"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	observer := attachObserver(t, hubs, "builder")

	if err := m.Leave(ctx, sess.ID, "bob"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	env := nextEnvelope(t, observer)
	if env.Type != protocol.MessageTypeSessionUpdated {
		t.Fatalf("expected session_updated, got %s", env.Type)
	}
	var roster protocol.ParticipantsPayload
	env.DecodePayload(&roster)
	if len(roster.Participants) != 1 || roster.Participants[0] != "alice" {
		t.Errorf("expected roster [alice], got %v", roster.Participants)
	}

	if err := m.Leave(ctx, sess.ID, "bob"); !errors.Is(err, model.ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant for a second leave, got %v", err)
	}

	// The last participant leaving discards the session.
	if err := m.Leave(ctx, sess.ID, "alice"); err != nil {
		t.Fatalf("final leave failed: %v", err)
	}
	if _, err := m.Get(ctx, sess.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected session discarded once empty, got %v", err)
	}
}

func TestManagerList(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"A", "B"} {
		if _, err := m.Create(ctx, &model.CreateSessionRequest{Name: name, Domain: "builder", CreatedBy: "alice"}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := m.Create(ctx, &model.CreateSessionRequest{Name: "C", Domain: "other", CreatedBy: "bob"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	sessions, err := m.List(ctx, "builder")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 builder sessions, got %d", len(sessions))
	}
}
