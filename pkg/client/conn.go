// Package client implements the resilient realtime transport used by
// dashboard surfaces: a reconnecting per-domain WebSocket with a durable
// outbound queue, plus the session, canvas-sync, and telemetry-stream
// protocols layered on top of it.
package client

import (
	"context"
	"log"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// Status is the connection lifecycle state for one domain.
type Status int

const (
	// StatusDisconnected means no connection and no retry pending.
	// After the reconnect budget is exhausted this state is permanent
	// until Reconnect is called.
	StatusDisconnected Status = iota
	// StatusConnecting means a dial is in flight.
	StatusConnecting
	// StatusConnected means the transport is live.
	StatusConnected
	// StatusReconnecting means a retry timer is pending after an
	// unexpected closure.
	StatusReconnecting
	// StatusManualDisconnect means Disconnect was called; automatic
	// reconnection is suppressed until Reconnect.
	StatusManualDisconnect
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusManualDisconnect:
		return "manual_disconnect"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxReconnectAttempts bounds consecutive automatic retries.
	DefaultMaxReconnectAttempts = 10
	// DefaultBaseInterval is the first retry delay; each subsequent
	// retry doubles it.
	DefaultBaseInterval = 3 * time.Second

	tokenTimeout = 5 * time.Second
)

// TokenProvider supplies the opaque bearer token appended to the
// transport URL at dial time.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Config configures a Conn. URL is the websocket endpoint base, e.g.
// "ws://localhost:8080/api/ws"; the domain is appended as a path
// segment. Store may be nil for a memory-only queue.
type Config struct {
	Domain               string
	URL                  string
	TokenProvider        TokenProvider
	MaxReconnectAttempts int
	BaseInterval         time.Duration
	QueueLimit           int
	Store                *Store
	Dialer               *websocket.Dialer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if out.BaseInterval == 0 {
		out.BaseInterval = DefaultBaseInterval
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Conn owns the single transport connection for one domain. Sends are
// fire-and-forget: while connected they go straight to the wire, while
// disconnected they land in the durable outbound queue and are flushed
// in order on the next Connected transition.
type Conn struct {
	cfg   Config
	queue *Queue

	mu         sync.Mutex
	status     Status
	attempt    int
	ws         *websocket.Conn
	gen        uint64
	retryTimer *time.Timer
	retry      *backoff.ExponentialBackOff
	started    bool

	handlerSeq int
	handlers   map[int]func(*protocol.Envelope)
	statusSeq  int
	statusObs  map[int]func(Status)
}

// NewConn creates a connection manager for the configured domain. The
// connection is inert until Start is called.
func NewConn(cfg Config) *Conn {
	cfg = cfg.withDefaults()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.BaseInterval
	retry.RandomizationFactor = 0
	retry.Multiplier = 2
	// Never cap the doubling inside the attempt budget and never give
	// up on elapsed time; the attempt counter is the only limit.
	retry.MaxInterval = cfg.BaseInterval << uint(cfg.MaxReconnectAttempts)
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Conn{
		cfg:       cfg,
		queue:     newQueue(cfg.Domain, cfg.Store, cfg.QueueLimit),
		retry:     retry,
		handlers:  make(map[int]func(*protocol.Envelope)),
		statusObs: make(map[int]func(Status)),
	}
}

// Domain returns the domain this connection serves.
func (c *Conn) Domain() string {
	return c.cfg.Domain
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempt returns the current reconnect attempt counter.
func (c *Conn) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// QueueLen returns the number of envelopes awaiting delivery.
func (c *Conn) QueueLen() int {
	return c.queue.Len()
}

// OnEnvelope registers a handler for inbound envelopes and returns a
// function that removes it. Heartbeat pongs are swallowed before
// handlers run.
func (c *Conn) OnEnvelope(fn func(*protocol.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlerSeq++
	id := c.handlerSeq
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// OnStatusChange registers an observer for lifecycle transitions and
// returns a function that removes it.
func (c *Conn) OnStatusChange(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusSeq++
	id := c.statusSeq
	c.statusObs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusObs, id)
	}
}

// Start hydrates the durable queue and begins connecting. Calling Start
// on a started connection is a no-op.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.status = StatusConnecting
	c.mu.Unlock()

	c.queue.Load()
	c.notifyStatus(StatusConnecting)
	go c.dial()
}

// Stop tears the connection down. Queued envelopes stay in the durable
// store and are delivered by the next connection for this domain.
func (c *Conn) Stop() {
	c.Disconnect()
}

// Disconnect closes the transport and suppresses all automatic
// reconnection until Reconnect is called. Any pending retry timer is
// cancelled.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.status = StatusManualDisconnect
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.notifyStatus(StatusManualDisconnect)
	if ws != nil {
		ws.Close()
	}
}

// Reconnect clears a manual disconnect (or an exhausted retry budget),
// resets the attempt counter, and dials again.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.attempt = 0
	c.retry.Reset()
	c.status = StatusConnecting
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting)
	go c.dial()
}

// Send delivers an envelope to the wire if connected, otherwise queues
// it durably. Send never fails from the caller's point of view; this is
// a fire-and-forget channel, not a request/response call.
func (c *Conn) Send(env *protocol.Envelope) {
	if env.Domain == "" {
		env.Domain = c.cfg.Domain
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusConnected && c.ws != nil {
		if err := c.ws.WriteJSON(env); err != nil {
			// The read loop will observe the broken transport and
			// drive reconnection; the envelope is not lost.
			log.Printf("Write failed on domain %s, queueing envelope: %v", c.cfg.Domain, err)
			c.queue.Enqueue(env)
		}
		return
	}

	c.queue.Enqueue(env)
}

// dial resolves the token, opens the websocket, and on success flushes
// the outbound queue before any new sends are admitted.
func (c *Conn) dial() {
	target, err := c.dialURL()
	if err != nil {
		log.Printf("Invalid transport URL for domain %s: %v", c.cfg.Domain, err)
		c.handleFailure()
		return
	}

	ws, _, err := c.cfg.Dialer.Dial(target, nil)

	c.mu.Lock()
	if c.status == StatusManualDisconnect {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		log.Printf("Connect failed for domain %s: %v", c.cfg.Domain, err)
		changed := c.scheduleReconnectLocked()
		status := c.status
		c.mu.Unlock()
		if changed {
			c.notifyStatus(status)
		}
		return
	}

	c.ws = ws
	c.gen++
	gen := c.gen
	c.status = StatusConnected
	c.attempt = 0
	c.retry.Reset()

	// Flush queued envelopes in enqueue order while still holding the
	// lock, so no caller-issued Send can overtake them.
	flushErr := c.queue.Flush(func(env *protocol.Envelope) error {
		return ws.WriteJSON(env)
	})
	c.mu.Unlock()

	if flushErr != nil {
		log.Printf("Flush halted for domain %s: %v", c.cfg.Domain, flushErr)
	}

	c.notifyStatus(StatusConnected)
	go c.readLoop(ws, gen)
}

// dialURL builds the per-domain endpoint, attaching the bearer token if
// one can be obtained. Token failures degrade to an unauthenticated
// dial; the server decides whether to reject it.
func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, c.cfg.Domain)

	if c.cfg.TokenProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
		token, err := c.cfg.TokenProvider.Token(ctx)
		cancel()
		if err != nil {
			log.Printf("Token fetch failed for domain %s, connecting unauthenticated: %v", c.cfg.Domain, err)
		} else if token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}

	return u.String(), nil
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		c.dispatch(data)
	}
	ws.Close()
	c.handleClose(gen)
}

// dispatch parses one inbound frame. Malformed frames are logged and
// dropped; pongs are heartbeat acknowledgements and never reach
// handlers.
func (c *Conn) dispatch(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Printf("Dropping malformed frame on domain %s: %v", c.cfg.Domain, err)
		return
	}
	if env.Type == protocol.MessageTypePong {
		return
	}

	c.mu.Lock()
	handlers := make([]func(*protocol.Envelope), 0, len(c.handlers))
	for _, fn := range c.handlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// handleClose reacts to an unexpected transport closure. A stale
// generation means a newer connection (or a manual disconnect) already
// superseded this one.
func (c *Conn) handleClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status == StatusManualDisconnect {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	changed := c.scheduleReconnectLocked()
	status := c.status
	c.mu.Unlock()

	if changed {
		c.notifyStatus(status)
	}
}

// handleFailure is the dial-error path outside the lock.
func (c *Conn) handleFailure() {
	c.mu.Lock()
	if c.status == StatusManualDisconnect {
		c.mu.Unlock()
		return
	}
	changed := c.scheduleReconnectLocked()
	status := c.status
	c.mu.Unlock()

	if changed {
		c.notifyStatus(status)
	}
}

// scheduleReconnectLocked arms the retry timer with the next backoff
// delay, or parks the connection in Disconnected once the attempt budget
// is spent. Caller holds c.mu.
func (c *Conn) scheduleReconnectLocked() bool {
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		log.Printf("Reconnect budget exhausted for domain %s after %d attempts", c.cfg.Domain, c.attempt)
		c.status = StatusDisconnected
		return true
	}

	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = c.cfg.BaseInterval << uint(c.attempt)
	}
	c.attempt++
	c.status = StatusReconnecting

	log.Printf("Reconnecting domain %s in %s (attempt %d/%d)", c.cfg.Domain, delay, c.attempt, c.cfg.MaxReconnectAttempts)
	c.retryTimer = time.AfterFunc(delay, c.retryFired)
	return true
}

func (c *Conn) retryFired() {
	c.mu.Lock()
	if c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.retryTimer = nil
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting)
	c.dial()
}

func (c *Conn) notifyStatus(status Status) {
	c.mu.Lock()
	observers := make([]func(Status), 0, len(c.statusObs))
	for _, fn := range c.statusObs {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}
