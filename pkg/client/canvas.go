package client

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// Default canvas grid extent, matching the dashboard builder layout.
const (
	DefaultGridColumns = 12
	DefaultGridRows    = 8
)

// Canvas synchronizes dashboard-builder state across the participants of
// a session. Local mutations are applied optimistically and then
// broadcast; remote mutations are applied in arrival order, so the last
// envelope processed wins per mutated field set. That is a deliberate
// consistency trade-off for demo-grade collaboration, not a merge.
type Canvas struct {
	conn     *Conn
	sessions *SessionManager
	cols     int
	rows     int

	mu         sync.Mutex
	components map[string]*protocol.ComponentConfig
	cursors    map[string]protocol.CursorPayload
	onChange   func()

	unsubscribe func()
}

// NewCanvas creates a canvas bound to the session manager's current
// session. cols/rows of zero fall back to the default grid.
func NewCanvas(conn *Conn, sessions *SessionManager, cols, rows int) *Canvas {
	if cols <= 0 {
		cols = DefaultGridColumns
	}
	if rows <= 0 {
		rows = DefaultGridRows
	}
	c := &Canvas{
		conn:       conn,
		sessions:   sessions,
		cols:       cols,
		rows:       rows,
		components: make(map[string]*protocol.ComponentConfig),
		cursors:    make(map[string]protocol.CursorPayload),
	}
	c.unsubscribe = conn.OnEnvelope(c.handleEnvelope)
	return c
}

// Close detaches the canvas from the connection.
func (c *Canvas) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// OnChange registers a callback invoked after a remote mutation is
// applied.
func (c *Canvas) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Components returns a snapshot of the canvas state.
func (c *Canvas) Components() []protocol.ComponentConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.ComponentConfig, 0, len(c.components))
	for _, comp := range c.components {
		out = append(out, *comp)
	}
	return out
}

// Component returns a copy of one component by ID.
func (c *Canvas) Component(id string) (protocol.ComponentConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp, ok := c.components[id]
	if !ok {
		return protocol.ComponentConfig{}, false
	}
	return *comp, true
}

// Cursors returns a snapshot of remote participant cursors.
func (c *Canvas) Cursors() map[string]protocol.CursorPayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]protocol.CursorPayload, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}

// AddComponent places a component on the canvas and broadcasts it. The
// position is clamped to the grid before it is applied or emitted.
func (c *Canvas) AddComponent(comp protocol.ComponentConfig) {
	comp.Position = comp.Position.Clamp(c.cols, c.rows)

	c.mu.Lock()
	stored := comp
	c.components[comp.ID] = &stored
	c.mu.Unlock()

	c.broadcast(protocol.MessageTypeComponentAdd, comp)
}

// UpdateComponent applies a partial mutation locally and broadcasts it.
// Unknown component IDs are ignored.
func (c *Canvas) UpdateComponent(id string, updates map[string]interface{}) {
	c.mu.Lock()
	comp, ok := c.components[id]
	if ok {
		applyUpdates(comp, updates)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.broadcast(protocol.MessageTypeComponentUpdate, protocol.ComponentUpdatePayload{
		ID:      id,
		Updates: updates,
	})
}

// MoveComponent moves a component to a new grid origin, clamped so the
// component stays fully inside the grid.
func (c *Canvas) MoveComponent(id string, x, y int) {
	c.mutateGeometry(id, func(pos protocol.GridPosition) protocol.GridPosition {
		pos.X = x
		pos.Y = y
		return pos
	})
}

// ResizeComponent resizes a component, clamped to a minimum extent of
// one grid unit and to the grid boundary. An out-of-bounds rectangle is
// never emitted.
func (c *Canvas) ResizeComponent(id string, w, h int) {
	c.mutateGeometry(id, func(pos protocol.GridPosition) protocol.GridPosition {
		pos.W = w
		pos.H = h
		return pos
	})
}

func (c *Canvas) mutateGeometry(id string, mutate func(protocol.GridPosition) protocol.GridPosition) {
	c.mu.Lock()
	comp, ok := c.components[id]
	var pos protocol.GridPosition
	if ok {
		pos = mutate(comp.Position).Clamp(c.cols, c.rows)
		comp.Position = pos
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.broadcast(protocol.MessageTypeComponentUpdate, protocol.ComponentUpdatePayload{
		ID:      id,
		Updates: map[string]interface{}{"position": pos},
	})
}

// DeleteComponent removes a component and broadcasts the deletion.
func (c *Canvas) DeleteComponent(id string) {
	c.mu.Lock()
	_, ok := c.components[id]
	delete(c.components, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.broadcast(protocol.MessageTypeComponentDelete, protocol.ComponentDeletePayload{ID: id})
}

// MoveCursor shares the local pointer location with other participants.
func (c *Canvas) MoveCursor(userID string, x, y float64) {
	c.broadcast(protocol.MessageTypeCursor, protocol.CursorPayload{
		UserID: userID,
		X:      x,
		Y:      y,
	})
}

// broadcast emits a session-scoped envelope for the active session.
// With no active session the mutation stays local only.
func (c *Canvas) broadcast(msgType protocol.MessageType, payload interface{}) {
	active := c.sessions.Current()
	if active == nil {
		return
	}

	env, err := protocol.NewEnvelope(msgType, c.conn.Domain(), payload)
	if err != nil {
		log.Printf("Failed to build %s envelope: %v", msgType, err)
		return
	}
	env.SessionID = active.ID
	c.conn.Send(env)
}

// handleEnvelope applies a remote mutation. Envelopes from foreign
// sessions are ignored, not queued and not errors. Remote geometry is
// applied as received; clamping happens at the point of mutation.
func (c *Canvas) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeComponentAdd,
		protocol.MessageTypeComponentUpdate,
		protocol.MessageTypeComponentDelete,
		protocol.MessageTypeCursor:
	default:
		return
	}

	active := c.sessions.Current()
	if active == nil || env.SessionID != active.ID {
		return
	}

	changed := false
	c.mu.Lock()
	switch env.Type {
	case protocol.MessageTypeComponentAdd:
		var comp protocol.ComponentConfig
		if err := env.DecodePayload(&comp); err == nil && comp.ID != "" {
			c.components[comp.ID] = &comp
			changed = true
		}
	case protocol.MessageTypeComponentUpdate:
		var payload protocol.ComponentUpdatePayload
		if err := env.DecodePayload(&payload); err == nil {
			if comp, ok := c.components[payload.ID]; ok {
				applyUpdates(comp, payload.Updates)
				changed = true
			}
		}
	case protocol.MessageTypeComponentDelete:
		var payload protocol.ComponentDeletePayload
		if err := env.DecodePayload(&payload); err == nil {
			if _, ok := c.components[payload.ID]; ok {
				delete(c.components, payload.ID)
				changed = true
			}
		}
	case protocol.MessageTypeCursor:
		var payload protocol.CursorPayload
		if err := env.DecodePayload(&payload); err == nil {
			key := payload.UserID
			if key == "" {
				key = env.ConnectionID
			}
			c.cursors[key] = payload
			changed = true
		}
	}
	onChange := c.onChange
	c.mu.Unlock()

	if changed && onChange != nil {
		onChange()
	}
}

// applyUpdates overwrites component fields from an update set. "type"
// and "position" map to the struct fields; everything else lands in the
// opaque config bag. Caller holds the canvas lock.
func applyUpdates(comp *protocol.ComponentConfig, updates map[string]interface{}) {
	for key, value := range updates {
		switch key {
		case "type":
			if s, ok := value.(string); ok {
				comp.Type = s
			}
		case "position":
			var pos protocol.GridPosition
			if data, err := json.Marshal(value); err == nil {
				if err := json.Unmarshal(data, &pos); err == nil {
					comp.Position = pos
				}
			}
		default:
			if comp.Config == nil {
				comp.Config = make(map[string]interface{})
			}
			comp.Config[key] = value
		}
	}
}
