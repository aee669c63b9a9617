// Package protocol defines the wire types exchanged between dashboard
// clients and the realtime server. Every frame on the transport is a
// single JSON-encoded Envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// MessageType tags an Envelope with its meaning. The vocabulary is open:
// receivers ignore types they do not handle.
type MessageType string

const (
	// Client -> Server message types
	MessageTypePing        MessageType = "ping"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeStartStream MessageType = "start_stream"
	MessageTypeStopStream  MessageType = "stop_stream"

	// Server -> Client message types
	MessageTypePong          MessageType = "pong"
	MessageTypeData          MessageType = "data"
	MessageTypeStreamStarted MessageType = "stream_started"
	MessageTypeError         MessageType = "error"

	// Session-scoped, bidirectional message types
	MessageTypeComponentAdd    MessageType = "component_add"
	MessageTypeComponentUpdate MessageType = "component_update"
	MessageTypeComponentDelete MessageType = "component_delete"
	MessageTypeCursor          MessageType = "cursor"
	MessageTypeSessionState    MessageType = "session_state"
	MessageTypeSessionUpdated  MessageType = "session_updated"
	MessageTypeSessionCreated  MessageType = "session_created"
)

// ErrMissingType is returned when an inbound frame has no type tag.
// Such frames are invalid and must be dropped.
var ErrMissingType = errors.New("envelope missing type")

// Envelope is the unit of transport. Domain names the logical channel
// the envelope belongs to; SessionID is set only on session-scoped
// envelopes. ConnectionID and UserID are stamped by the server for
// attribution and are empty on outbound envelopes.
type Envelope struct {
	Type         MessageType     `json:"type"`
	Domain       string          `json:"domain,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
}

// NewEnvelope builds an envelope for the given domain with the payload
// marshaled in place and a producer-side timestamp in milliseconds.
func NewEnvelope(msgType MessageType, domain string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Domain:    domain,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return env, nil
}

// ParseEnvelope decodes a single wire frame. Frames without a type tag
// are rejected; everything else is left to the receiver to interpret.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e *Envelope) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

// SubscribePayload is carried by subscribe/unsubscribe envelopes.
type SubscribePayload struct {
	Channel string `json:"channel"`
	Domain  string `json:"domain"`
}

// StreamRequestPayload is carried by start_stream envelopes. Interval is
// the requested frame period in milliseconds.
type StreamRequestPayload struct {
	SourceType string `json:"source_type"`
	SourcePath string `json:"source_path,omitempty"`
	Interval   int    `json:"interval"`
}

// DataFramePayload is one telemetry frame. Metrics carries the
// four-component health score plus any source-specific values.
type DataFramePayload struct {
	SourceType string             `json:"source_type"`
	Metrics    map[string]float64 `json:"metrics"`
	Sequence   int64              `json:"sequence"`
}

// ComponentUpdatePayload carries a partial mutation of one component.
type ComponentUpdatePayload struct {
	ID      string                 `json:"id"`
	Updates map[string]interface{} `json:"updates"`
}

// ComponentDeletePayload identifies the component being removed.
type ComponentDeletePayload struct {
	ID string `json:"id"`
}

// CursorPayload is a participant's pointer location in grid units.
type CursorPayload struct {
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// ParticipantsPayload carries the full roster on session_updated
// envelopes. The list replaces the local roster wholesale.
type ParticipantsPayload struct {
	Participants []string `json:"participants"`
}

// ErrorPayload carries a server-side error description.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
