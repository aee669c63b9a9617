// Package stream implements the server-side telemetry generator. A
// generator emits periodic data frames onto a domain hub between
// start_stream and stop_stream requests.
package stream

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pulseboard/realtime/pkg/protocol"
)

const (
	// Bounds on the client-requested frame period.
	minInterval     = 100 * time.Millisecond
	defaultInterval = 2 * time.Second
)

// Broadcaster delivers envelopes to every client on a domain. Satisfied
// by ws.Hub.
type Broadcaster interface {
	BroadcastEnvelope(env *protocol.Envelope) error
}

// Generator produces synthetic telemetry frames for one domain. Frames
// carry the four-component health score (stability, quality,
// utilization, degradation) plus a monotonic sequence number.
type Generator struct {
	domain      string
	broadcaster Broadcaster

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	seq        int64
	sourceType string
}

// NewGenerator creates a generator for the given domain.
func NewGenerator(domain string, broadcaster Broadcaster) *Generator {
	return &Generator{
		domain:      domain,
		broadcaster: broadcaster,
	}
}

// Start begins emitting frames at the requested interval. Starting a
// running generator is a no-op.
func (g *Generator) Start(req protocol.StreamRequestPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return
	}

	interval := time.Duration(req.Interval) * time.Millisecond
	if interval <= 0 {
		interval = defaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}

	g.running = true
	g.stop = make(chan struct{})
	g.sourceType = req.SourceType
	if g.sourceType == "" {
		g.sourceType = "synthetic"
	}

	started, err := protocol.NewEnvelope(protocol.MessageTypeStreamStarted, g.domain, protocol.StreamRequestPayload{
		SourceType: g.sourceType,
		Interval:   int(interval / time.Millisecond),
	})
	if err == nil {
		g.broadcaster.BroadcastEnvelope(started)
	}

	go g.run(interval, g.stop)
	log.Printf("Stream started for domain %s (interval %s)", g.domain, interval)
}

// Stop halts frame emission. Stopping an idle generator is a no-op.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return
	}
	g.running = false
	close(g.stop)
	log.Printf("Stream stopped for domain %s", g.domain)
}

// Running reports whether the generator is emitting frames.
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Generator) run(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.emit()
		}
	}
}

func (g *Generator) emit() {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	sourceType := g.sourceType
	g.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.MessageTypeData, g.domain, protocol.DataFramePayload{
		SourceType: sourceType,
		Metrics:    healthMetrics(seq),
		Sequence:   seq,
	})
	if err != nil {
		log.Printf("Failed to build data frame for domain %s: %v", g.domain, err)
		return
	}
	if err := g.broadcaster.BroadcastEnvelope(env); err != nil {
		log.Printf("Failed to broadcast data frame for domain %s: %v", g.domain, err)
	}
}

// healthMetrics synthesizes a plausible four-component score: slow
// sinusoidal drift with a little noise, clamped to [0, 100].
func healthMetrics(seq int64) map[string]float64 {
	phase := float64(seq) / 20.0
	return map[string]float64{
		"stability":   clamp(80+15*math.Sin(phase)+rand.Float64()*4-2, 0, 100),
		"quality":     clamp(85+10*math.Cos(phase/2)+rand.Float64()*4-2, 0, 100),
		"utilization": clamp(60+25*math.Sin(phase/3)+rand.Float64()*6-3, 0, 100),
		"degradation": clamp(10+8*math.Cos(phase/5)+rand.Float64()*3-1.5, 0, 100),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Manager owns one generator per domain.
type Manager struct {
	mu         sync.Mutex
	generators map[string]*Generator
}

// NewManager creates a new stream manager.
func NewManager() *Manager {
	return &Manager{
		generators: make(map[string]*Generator),
	}
}

// Start starts (or reuses) the generator for a domain.
func (m *Manager) Start(domain string, broadcaster Broadcaster, req protocol.StreamRequestPayload) {
	m.mu.Lock()
	gen, ok := m.generators[domain]
	if !ok {
		gen = NewGenerator(domain, broadcaster)
		m.generators[domain] = gen
	}
	m.mu.Unlock()

	gen.Start(req)
}

// Stop halts the generator for a domain, if any.
func (m *Manager) Stop(domain string) {
	m.mu.Lock()
	gen := m.generators[domain]
	m.mu.Unlock()

	if gen != nil {
		gen.Stop()
	}
}

// StopAll halts every generator.
func (m *Manager) StopAll() {
	m.mu.Lock()
	gens := make([]*Generator, 0, len(m.generators))
	for _, g := range m.generators {
		gens = append(gens, g)
	}
	m.mu.Unlock()

	for _, g := range gens {
		g.Stop()
	}
}
