package client

import (
	"log"
	"sync"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// DefaultQueueLimit caps the number of envelopes buffered while
// disconnected. Past the cap the oldest entry is dropped, so the queue
// cannot grow without bound across a long outage.
const DefaultQueueLimit = 1000

// Queue is the durable outbound FIFO for one domain. Envelopes that
// cannot be sent immediately are held here and mirrored to the store so
// they survive a process restart. The in-memory slice is authoritative;
// persistence failures are logged and do not block enqueueing.
type Queue struct {
	domain string
	store  *Store
	limit  int

	mu      sync.Mutex
	entries []*protocol.Envelope
	loaded  bool
}

func newQueue(domain string, store *Store, limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{
		domain: domain,
		store:  store,
		limit:  limit,
	}
}

// Load hydrates the in-memory queue from the store. It runs once per
// queue lifetime, before any enqueue or flush, so envelopes persisted by
// a previous process precede anything produced since startup.
func (q *Queue) Load() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked()
}

func (q *Queue) loadLocked() {
	if q.loaded {
		return
	}
	q.loaded = true

	persisted, err := q.store.loadQueue(q.domain)
	if err != nil {
		log.Printf("Failed to load persisted queue for domain %s: %v", q.domain, err)
		return
	}
	if len(persisted) == 0 {
		return
	}

	q.entries = append(persisted, q.entries...)
	log.Printf("Restored %d queued envelopes for domain %s", len(persisted), q.domain)
}

// Enqueue appends an envelope and mirrors the queue to the store. When
// the queue is at capacity the oldest entry is dropped first.
func (q *Queue) Enqueue(env *protocol.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked()

	if len(q.entries) >= q.limit {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		log.Printf("Queue for domain %s full, dropping oldest %s envelope", q.domain, dropped.Type)
	}
	q.entries = append(q.entries, env)
	q.persistLocked()
}

// Flush sends every queued envelope in order. The first failed send is
// pushed back to the front and flushing halts, preserving order for the
// next attempt. On a complete flush the persisted copy is cleared.
func (q *Queue) Flush(send func(*protocol.Envelope) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked()

	for len(q.entries) > 0 {
		env := q.entries[0]
		q.entries = q.entries[1:]
		if err := send(env); err != nil {
			q.entries = append([]*protocol.Envelope{env}, q.entries...)
			q.persistLocked()
			return err
		}
	}

	if err := q.store.clearQueue(q.domain); err != nil {
		log.Printf("Failed to clear persisted queue for domain %s: %v", q.domain, err)
	}
	return nil
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) persistLocked() {
	if err := q.store.saveQueue(q.domain, q.entries); err != nil {
		log.Printf("Failed to persist queue for domain %s: %v", q.domain, err)
	}
}
