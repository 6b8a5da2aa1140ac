// Package queue implements the durable, ordered queue of wire-ready
// beacons shared by producers and the flush worker.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"beacon/internal/model"
)

// ErrDuplicateID is returned by Add for a beacon already queued.
var ErrDuplicateID = errors.New("beacon already queued")

// Backend is the persistent store behind a Queue. Load must return the
// beacons in insertion order.
type Backend interface {
	Load() ([]model.WireBeacon, error)
	Append(model.WireBeacon) error
	Remove(ids []string) error
	Clear() error
}

// Queue is an ordered collection of beacons mirrored to a Backend.
// Every mutation is persisted before the in-memory copy changes, so a
// snapshot never contains a beacon that is not on disk. All methods are
// safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	backend Backend
	items   []model.WireBeacon
	index   map[string]struct{}
	logger  *zap.SugaredLogger
}

// Open loads the persisted queue from backend.
func Open(backend Backend, logger *zap.SugaredLogger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	items, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	q := &Queue{
		backend: backend,
		items:   items,
		index:   make(map[string]struct{}, len(items)),
		logger:  logger,
	}
	for _, b := range items {
		q.index[b.ID] = struct{}{}
	}
	logger.Debugf("Loaded %d queued beacons", len(items))
	return q, nil
}

// Add appends b to the tail of the queue. The beacon is durable once
// Add returns nil.
func (q *Queue) Add(b model.WireBeacon) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[b.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, b.ID)
	}
	if err := q.backend.Append(b); err != nil {
		return fmt.Errorf("failed to persist beacon %s: %w", b.ID, err)
	}
	q.items = append(q.items, b)
	q.index[b.ID] = struct{}{}
	return nil
}

// Items returns a copy of the queued beacons in insertion order.
func (q *Queue) Items() []model.WireBeacon {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]model.WireBeacon, len(q.items))
	copy(snapshot, q.items)
	return snapshot
}

// Len returns the number of queued beacons.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes exactly the given beacons, matched by id. Beacons
// added after the caller took its snapshot are left in place.
func (q *Queue) Remove(beacons []model.WireBeacon) error {
	if len(beacons) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(beacons))
	remove := make(map[string]struct{}, len(beacons))
	for _, b := range beacons {
		if _, queued := q.index[b.ID]; !queued {
			continue
		}
		if _, seen := remove[b.ID]; seen {
			continue
		}
		remove[b.ID] = struct{}{}
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := q.backend.Remove(ids); err != nil {
		return fmt.Errorf("failed to remove %d beacons: %w", len(ids), err)
	}

	kept := q.items[:0]
	for _, b := range q.items {
		if _, drop := remove[b.ID]; drop {
			delete(q.index, b.ID)
			continue
		}
		kept = append(kept, b)
	}
	// Release references held past the new length.
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = model.WireBeacon{}
	}
	q.items = kept
	return nil
}

// RemoveAll clears the queue and its persisted state.
func (q *Queue) RemoveAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.Clear(); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	q.items = nil
	q.index = make(map[string]struct{})
	return nil
}
