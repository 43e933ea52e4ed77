// Package presence tracks which responders currently hold an open channel.
// It only filters broadcast targets; it never guarantees delivery.
package presence

import (
	"context"
	"sync"
	"time"
)

// Presence is the connectivity record of one responder.
type Presence struct {
	ResponderID string    `json:"responder_id"`
	Connected   bool      `json:"connected"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Tracker is implemented by the in-memory and Redis backends. All
// operations are idempotent.
type Tracker interface {
	MarkConnected(ctx context.Context, responderID string) error
	MarkDisconnected(ctx context.Context, responderID string) error
	ListConnected(ctx context.Context, candidateIDs []string) ([]string, error)
	Get(ctx context.Context, responderID string) (Presence, bool, error)
}

// MemoryTracker keeps presence in a process-local map.
type MemoryTracker struct {
	mu      sync.RWMutex
	entries map[string]Presence
	now     func() time.Time
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		entries: make(map[string]Presence),
		now:     time.Now,
	}
}

func (t *MemoryTracker) MarkConnected(_ context.Context, responderID string) error {
	t.set(responderID, true)
	return nil
}

func (t *MemoryTracker) MarkDisconnected(_ context.Context, responderID string) error {
	t.set(responderID, false)
	return nil
}

func (t *MemoryTracker) set(responderID string, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[responderID] = Presence{
		ResponderID: responderID,
		Connected:   connected,
		LastSeenAt:  t.now(),
	}
}

// ListConnected returns the connected subset of candidateIDs, preserving
// their order.
func (t *MemoryTracker) ListConnected(_ context.Context, candidateIDs []string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if p, ok := t.entries[id]; ok && p.Connected {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *MemoryTracker) Get(_ context.Context, responderID string) (Presence, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.entries[responderID]
	return p, ok, nil
}
