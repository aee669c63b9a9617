package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pulseboard/realtime/internal/stream"
	"github.com/pulseboard/realtime/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Handler terminates WebSocket connections and routes envelopes between
// domain hubs, the telemetry stream manager, and session-scoped relay.
type Handler struct {
	hubManager *HubManager
	streams    *stream.Manager
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubManager *HubManager, streams *stream.Manager) *Handler {
	return &Handler{
		hubManager: hubManager,
		streams:    streams,
	}
}

// HandleConnection upgrades the HTTP request and attaches the client to
// the hub for the requested domain. userID may be empty when the client
// connected without a token; the server still accepts the connection and
// leaves authorization to the session endpoints.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, domain, userID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	hub := h.hubManager.GetOrCreate(domain)
	hub.SetOnEnvelope(h.routeEnvelope)
	hub.SetOnEmpty(func() {
		// No listeners left; stop generating frames for the domain.
		h.streams.Stop(domain)
	})

	client := NewClient(hub, conn, domain, uuid.New().String(), userID)
	hub.Register(client)

	go h.writePump(client)
	go h.readPump(client, hub)

	return nil
}

// routeEnvelope dispatches an inbound client envelope.
func (h *Handler) routeEnvelope(client *Client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypePing:
		h.handlePing(client)
	case protocol.MessageTypeSubscribe, protocol.MessageTypeUnsubscribe:
		// Channel membership is implicit in the domain socket; the
		// envelope is acknowledged by continuing to deliver frames.
		log.Printf("Client %s %s on domain %s", client.ConnectionID(), env.Type, client.Domain())
	case protocol.MessageTypeStartStream:
		h.handleStartStream(client, env)
	case protocol.MessageTypeStopStream:
		h.streams.Stop(client.Domain())
	case protocol.MessageTypeComponentAdd,
		protocol.MessageTypeComponentUpdate,
		protocol.MessageTypeComponentDelete,
		protocol.MessageTypeCursor,
		protocol.MessageTypeSessionState:
		h.relaySessionScoped(client, env)
	default:
		// Open vocabulary: unknown types are ignored, not errors.
	}
}

func (h *Handler) handlePing(client *Client) {
	env := &protocol.Envelope{
		Type:      protocol.MessageTypePong,
		Domain:    client.Domain(),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := client.SendEnvelope(env); err != nil {
		log.Printf("Failed to send pong: %v", err)
	}
}

func (h *Handler) handleStartStream(client *Client, env *protocol.Envelope) {
	var req protocol.StreamRequestPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&req); err != nil {
			log.Printf("Invalid start_stream payload from %s: %v", client.ConnectionID(), err)
			h.sendError(client, "BAD_PAYLOAD", "invalid start_stream payload")
			return
		}
	}
	h.streams.Start(client.Domain(), client.hub, req)
}

// relaySessionScoped stamps attribution on a session-scoped envelope and
// forwards it to every other client on the domain. Receivers are
// responsible for discarding envelopes from sessions they do not belong
// to.
func (h *Handler) relaySessionScoped(client *Client, env *protocol.Envelope) {
	if env.SessionID == "" {
		log.Printf("Dropping session-scoped %s without session_id from %s", env.Type, client.ConnectionID())
		return
	}

	out := *env
	out.Domain = client.Domain()
	out.ConnectionID = client.ConnectionID()
	out.UserID = client.UserID()

	data, err := json.Marshal(&out)
	if err != nil {
		log.Printf("Failed to marshal relay envelope: %v", err)
		return
	}
	client.hub.BroadcastExcept(data, client)
}

func (h *Handler) sendError(client *Client, code, message string) {
	env, err := protocol.NewEnvelope(protocol.MessageTypeError, client.Domain(), protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	client.SendEnvelope(env)
}

// readPump pumps envelopes from the WebSocket connection to the hub.
func (h *Handler) readPump(client *Client, hub *Hub) {
	defer func() {
		hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			log.Printf("Dropping malformed frame from %s: %v", client.ConnectionID(), err)
			continue
		}

		hub.HandleEnvelope(client, env)
	}
}

// writePump pumps queued frames from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send each envelope in its own text frame so receivers can
			// decode frames independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queuedMsg := <-client.SendChan()
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queuedMsg); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetUpgrader returns the WebSocket upgrader for custom configuration.
func GetUpgrader() *websocket.Upgrader {
	return &upgrader
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
