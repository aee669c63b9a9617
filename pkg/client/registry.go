package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RegistryConfig is the shared configuration for every connection a
// registry creates.
type RegistryConfig struct {
	URL                  string
	TokenProvider        TokenProvider
	MaxReconnectAttempts int
	BaseInterval         time.Duration
	QueueLimit           int
	Store                *Store
	Dialer               *websocket.Dialer
}

// Registry owns at most one Conn per domain. It is constructed once at
// the application root and passed to consumers, preserving
// one-connection-per-domain semantics without hidden global state.
type Registry struct {
	cfg RegistryConfig

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// Conn returns the connection for a domain, creating and starting it on
// first use.
func (r *Registry) Conn(domain string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[domain]; ok {
		return conn
	}

	conn := NewConn(Config{
		Domain:               domain,
		URL:                  r.cfg.URL,
		TokenProvider:        r.cfg.TokenProvider,
		MaxReconnectAttempts: r.cfg.MaxReconnectAttempts,
		BaseInterval:         r.cfg.BaseInterval,
		QueueLimit:           r.cfg.QueueLimit,
		Store:                r.cfg.Store,
		Dialer:               r.cfg.Dialer,
	})
	r.conns[domain] = conn
	conn.Start()
	return conn
}

// Get returns the connection for a domain without creating one.
func (r *Registry) Get(domain string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[domain]
	return conn, ok
}

// Close stops every connection. The durable store, if any, is owned by
// the caller and stays open.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Stop()
	}
}
