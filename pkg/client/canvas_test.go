package client

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// newTestCanvas wires a canvas to an unstarted connection with a fixed
// current session, so broadcasts land in the outbound queue where tests
// can inspect them.
func newTestCanvas(t *testing.T) (*Canvas, *SessionManager) {
	t.Helper()
	conn := NewConn(Config{Domain: "builder", URL: "ws://localhost:1/api/ws"})
	sessions := NewSessionManager(conn, "http://localhost:1/api")
	sessions.setCurrent(&Session{ID: "S1", Domain: "builder", CreatedAt: time.Now(), Participants: []string{"alice"}})
	canvas := NewCanvas(conn, sessions, 12, 8)
	t.Cleanup(func() {
		canvas.Close()
		sessions.Close()
	})
	return canvas, sessions
}

// drainQueue flushes the connection's outbound queue into a slice.
func drainQueue(t *testing.T, c *Canvas) []*protocol.Envelope {
	t.Helper()
	var out []*protocol.Envelope
	if err := c.conn.queue.Flush(func(env *protocol.Envelope) error {
		out = append(out, env)
		return nil
	}); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	return out
}

func TestCanvasAddComponentBroadcasts(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	canvas.AddComponent(protocol.ComponentConfig{
		ID:       "c1",
		Type:     "gauge",
		Position: protocol.GridPosition{X: 0, Y: 0, W: 4, H: 3},
	})

	if _, ok := canvas.Component("c1"); !ok {
		t.Fatal("component must be applied locally before the broadcast round trip")
	}

	envs := drainQueue(t, canvas)
	if len(envs) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(envs))
	}
	if envs[0].Type != protocol.MessageTypeComponentAdd {
		t.Errorf("expected component_add, got %s", envs[0].Type)
	}
	if envs[0].SessionID != "S1" {
		t.Errorf("broadcast must carry the active session id, got %q", envs[0].SessionID)
	}
}

func TestCanvasForeignSessionIgnored(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	canvas.AddComponent(protocol.ComponentConfig{
		ID:       "c1",
		Type:     "gauge",
		Position: protocol.GridPosition{X: 2, Y: 2, W: 3, H: 2},
	})

	// A component_update from a foreign session must leave local canvas
	// state unchanged.
	env, _ := protocol.NewEnvelope(protocol.MessageTypeComponentUpdate, "builder", protocol.ComponentUpdatePayload{
		ID:      "c1",
		Updates: map[string]interface{}{"type": "table"},
	})
	env.SessionID = "other-session"
	canvas.handleEnvelope(env)

	comp, _ := canvas.Component("c1")
	if comp.Type != "gauge" {
		t.Errorf("foreign update must be ignored, type is now %q", comp.Type)
	}

	// Same mutation from the active session applies.
	env.SessionID = "S1"
	canvas.handleEnvelope(env)
	comp, _ = canvas.Component("c1")
	if comp.Type != "table" {
		t.Errorf("in-session update must apply, type is %q", comp.Type)
	}
}

func TestCanvasDeleteComponent(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	canvas.AddComponent(protocol.ComponentConfig{ID: "c1", Type: "gauge", Position: protocol.GridPosition{W: 2, H: 2}})
	drainQueue(t, canvas)

	canvas.DeleteComponent("c1")
	if _, ok := canvas.Component("c1"); ok {
		t.Error("component must be removed locally")
	}

	envs := drainQueue(t, canvas)
	if len(envs) != 1 || envs[0].Type != protocol.MessageTypeComponentDelete {
		t.Fatalf("expected one component_delete broadcast, got %v", envs)
	}

	// Deleting an unknown component broadcasts nothing.
	canvas.DeleteComponent("ghost")
	if envs := drainQueue(t, canvas); len(envs) != 0 {
		t.Errorf("unknown delete must not broadcast, got %d envelopes", len(envs))
	}
}

func TestCanvasRemoteAddAndDelete(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	changes := 0
	canvas.OnChange(func() { changes++ })

	addEnv, _ := protocol.NewEnvelope(protocol.MessageTypeComponentAdd, "builder", protocol.ComponentConfig{
		ID:       "remote1",
		Type:     "chart",
		Position: protocol.GridPosition{X: 4, Y: 0, W: 4, H: 4},
	})
	addEnv.SessionID = "S1"
	canvas.handleEnvelope(addEnv)

	if _, ok := canvas.Component("remote1"); !ok {
		t.Fatal("remote add must apply")
	}

	delEnv, _ := protocol.NewEnvelope(protocol.MessageTypeComponentDelete, "builder", protocol.ComponentDeletePayload{ID: "remote1"})
	delEnv.SessionID = "S1"
	canvas.handleEnvelope(delEnv)

	if _, ok := canvas.Component("remote1"); ok {
		t.Error("remote delete must apply")
	}
	if changes != 2 {
		t.Errorf("expected 2 change notifications, got %d", changes)
	}
}

func TestCanvasLastWriteWins(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	canvas.AddComponent(protocol.ComponentConfig{ID: "c1", Type: "gauge", Position: protocol.GridPosition{W: 2, H: 2}})

	// Two concurrent updates to the same field apply in arrival order;
	// the last one processed wins.
	for _, metric := range []string{"stability", "quality"} {
		env, _ := protocol.NewEnvelope(protocol.MessageTypeComponentUpdate, "builder", protocol.ComponentUpdatePayload{
			ID:      "c1",
			Updates: map[string]interface{}{"metric": metric},
		})
		env.SessionID = "S1"
		canvas.handleEnvelope(env)
	}

	comp, _ := canvas.Component("c1")
	if comp.Config["metric"] != "quality" {
		t.Errorf("expected last write to win, got %v", comp.Config["metric"])
	}
}

func TestCanvasCursorTracking(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	env, _ := protocol.NewEnvelope(protocol.MessageTypeCursor, "builder", protocol.CursorPayload{
		UserID: "bob",
		X:      3.5,
		Y:      2.25,
	})
	env.SessionID = "S1"
	canvas.handleEnvelope(env)

	cursors := canvas.Cursors()
	if got, ok := cursors["bob"]; !ok || got.X != 3.5 || got.Y != 2.25 {
		t.Errorf("expected bob's cursor at (3.5, 2.25), got %+v", cursors)
	}
}

func TestCanvasResizeNeverEmitsOutOfBounds(t *testing.T) {
	canvas, _ := newTestCanvas(t)

	// Full-width component: growing it further must not escape the grid.
	canvas.AddComponent(protocol.ComponentConfig{
		ID:       "wide",
		Type:     "chart",
		Position: protocol.GridPosition{X: 0, Y: 0, W: 12, H: 2},
	})
	drainQueue(t, canvas)

	canvas.ResizeComponent("wide", 20, 2)

	envs := drainQueue(t, canvas)
	if len(envs) != 1 {
		t.Fatalf("expected one update broadcast, got %d", len(envs))
	}
	var payload protocol.ComponentUpdatePayload
	if err := envs[0].DecodePayload(&payload); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	var pos protocol.GridPosition
	raw, _ := payload.Updates["position"].(map[string]interface{})
	pos.X = int(raw["x"].(float64))
	pos.W = int(raw["w"].(float64))
	if pos.X+pos.W > 12 {
		t.Errorf("broadcast rectangle escapes the grid: x=%d w=%d", pos.X, pos.W)
	}

	comp, _ := canvas.Component("wide")
	if !comp.Position.Valid(12, 8) {
		t.Errorf("local position out of bounds: %+v", comp.Position)
	}
}

// Any drag or resize, from any starting rectangle, must keep the
// component fully inside the grid.
func TestCanvasGeometryClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("moves and resizes stay in bounds", prop.ForAll(
		func(x, y, w, h, dx, dy, nw, nh int) bool {
			canvas, _ := newTestCanvas(t)
			canvas.AddComponent(protocol.ComponentConfig{
				ID:       "c1",
				Type:     "gauge",
				Position: protocol.GridPosition{X: x, Y: y, W: w, H: h},
			})
			canvas.MoveComponent("c1", dx, dy)
			canvas.ResizeComponent("c1", nw, nh)

			comp, ok := canvas.Component("c1")
			return ok && comp.Position.Valid(12, 8)
		},
		gen.IntRange(-20, 20),
		gen.IntRange(-20, 20),
		gen.IntRange(-5, 30),
		gen.IntRange(-5, 30),
		gen.IntRange(-20, 20),
		gen.IntRange(-20, 20),
		gen.IntRange(-5, 30),
		gen.IntRange(-5, 30),
	))

	properties.TestingRun(t)
}
