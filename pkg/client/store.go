package client

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// outboundBucket holds one serialized queue per domain.
var outboundBucket = []byte("outbound_queues")

// Store is the durable backing for outbound queues. One store is shared
// by every connection in a process; queues are keyed by domain. A nil
// *Store is valid and degrades to memory-only queues.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the durable store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboundBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// saveQueue mirrors the full queue for a domain. The whole slice is
// written each time so the persisted copy always matches memory order.
func (s *Store) saveQueue(domain string, entries []*protocol.Envelope) error {
	if s == nil {
		return nil
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize queue: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboundBucket).Put([]byte(domain), data)
	})
}

// loadQueue reads the persisted queue for a domain. A missing key yields
// an empty queue, not an error.
func (s *Store) loadQueue(domain string) ([]*protocol.Envelope, error) {
	if s == nil {
		return nil, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(outboundBucket).Get([]byte(domain)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var entries []*protocol.Envelope
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse persisted queue: %w", err)
	}
	return entries, nil
}

// clearQueue removes the persisted copy for a domain.
func (s *Store) clearQueue(domain string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboundBucket).Delete([]byte(domain))
	})
}
