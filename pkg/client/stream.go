package client

import (
	"log"
	"sync"
	"time"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// StreamController starts and stops the server-side telemetry stream for
// a domain and caches the latest frame. The started flag guards against
// duplicate start_stream sends.
type StreamController struct {
	conn      *Conn
	request   protocol.StreamRequestPayload
	autoStart bool

	mu          sync.Mutex
	started     bool
	autoStarted bool
	latest      *protocol.DataFramePayload
	latestAt    time.Time
	onFrame     func(protocol.DataFramePayload)
	onError     func(protocol.ErrorPayload)

	unsubEnvelope func()
	unsubStatus   func()
}

// NewStreamController creates a stream controller on conn. When
// autoStart is set the stream starts automatically, exactly once, on the
// first Connected transition observed after creation.
func NewStreamController(conn *Conn, request protocol.StreamRequestPayload, autoStart bool) *StreamController {
	s := &StreamController{
		conn:      conn,
		request:   request,
		autoStart: autoStart,
	}
	s.unsubEnvelope = conn.OnEnvelope(s.handleEnvelope)
	s.unsubStatus = conn.OnStatusChange(s.handleStatus)
	return s
}

// Close stops the stream if it was started and detaches from the
// connection. This is the teardown hook for the owning surface.
func (s *StreamController) Close() {
	s.StopStream()
	if s.unsubEnvelope != nil {
		s.unsubEnvelope()
	}
	if s.unsubStatus != nil {
		s.unsubStatus()
	}
}

// OnFrame registers a callback for inbound data frames.
func (s *StreamController) OnFrame(fn func(protocol.DataFramePayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// OnError registers a callback for stream error envelopes. Errors do not
// alter the started flag.
func (s *StreamController) OnError(fn func(protocol.ErrorPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Started reports whether a start_stream has been sent without a
// matching stop.
func (s *StreamController) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Latest returns the most recent frame and its arrival time.
func (s *StreamController) Latest() (protocol.DataFramePayload, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return protocol.DataFramePayload{}, time.Time{}, false
	}
	return *s.latest, s.latestAt, true
}

// StartStream requests the server-side generator. No-op unless the
// connection is live and the stream is not already started.
func (s *StreamController) StartStream() {
	if s.conn.Status() != StatusConnected {
		return
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.MessageTypeStartStream, s.conn.Domain(), s.request)
	if err != nil {
		log.Printf("Failed to build start_stream envelope: %v", err)
		return
	}
	s.conn.Send(env)
}

// StopStream halts the server-side generator. No-op unless started.
func (s *StreamController) StopStream() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.MessageTypeStopStream, s.conn.Domain(), nil)
	if err != nil {
		return
	}
	s.conn.Send(env)
}

func (s *StreamController) handleStatus(status Status) {
	if status != StatusConnected || !s.autoStart {
		return
	}

	s.mu.Lock()
	if s.autoStarted {
		s.mu.Unlock()
		return
	}
	s.autoStarted = true
	s.mu.Unlock()

	s.StartStream()
}

func (s *StreamController) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeData:
		if env.Domain != s.conn.Domain() {
			return
		}
		var frame protocol.DataFramePayload
		if err := env.DecodePayload(&frame); err != nil {
			log.Printf("Dropping malformed data frame on domain %s: %v", s.conn.Domain(), err)
			return
		}
		s.mu.Lock()
		s.latest = &frame
		s.latestAt = time.Now()
		onFrame := s.onFrame
		s.mu.Unlock()
		if onFrame != nil {
			onFrame(frame)
		}
	case protocol.MessageTypeStreamStarted:
		log.Printf("Stream confirmed for domain %s", s.conn.Domain())
	case protocol.MessageTypeError:
		var payload protocol.ErrorPayload
		if err := env.DecodePayload(&payload); err != nil {
			payload = protocol.ErrorPayload{Message: "unknown stream error"}
		}
		s.mu.Lock()
		onError := s.onError
		s.mu.Unlock()
		if onError != nil {
			onError(payload)
		}
	}
}
