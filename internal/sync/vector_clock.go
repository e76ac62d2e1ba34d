package syncstate

import (
	"sync"

	"github.com/example/sync-document-engine/internal/types"
)

// VectorClockTracker records, per document, which changes from each actor
// have been delivered.
type VectorClockTracker struct {
	mu     sync.RWMutex
	clocks map[types.DocumentID]types.VectorClock
}

// NewVectorClockTracker returns a tracker that has seen nothing.
func NewVectorClockTracker() *VectorClockTracker {
	return &VectorClockTracker{clocks: make(map[types.DocumentID]types.VectorClock)}
}

// MergeRemote folds clock into the document's clock and returns a copy of
// the result.
func (t *VectorClockTracker) MergeRemote(docID types.DocumentID, clock types.VectorClock) types.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.clocks[docID]
	if !ok {
		current = make(types.VectorClock, len(clock))
		t.clocks[docID] = current
	}
	current.Merge(clock)
	return current.Clone()
}

// Snapshot returns a copy of the document's clock.
func (t *VectorClockTracker) Snapshot(docID types.DocumentID) types.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clocks[docID].Clone()
}

// Ready reports whether c can be delivered now: it is the next change of its
// actor and everything it depends on has been delivered.
func (t *VectorClockTracker) Ready(c types.Change) bool {
	return t.check(c, types.VectorClock.Ready)
}

// Seen reports whether c has already been delivered.
func (t *VectorClockTracker) Seen(c types.Change) bool {
	return t.check(c, types.VectorClock.Seen)
}

func (t *VectorClockTracker) check(c types.Change, pred func(types.VectorClock, types.ClientID, types.VectorClock) bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return pred(t.clocks[c.Document], c.Actor, c.VectorClock)
}
