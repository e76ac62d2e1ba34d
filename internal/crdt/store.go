package crdt

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/sync-document-engine/internal/change"
	"github.com/example/sync-document-engine/internal/interpret"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

// DocumentStore owns the materialized view of one document. The object cache
// is replaced wholesale on every commit and never mutated, so readers may
// keep the maps they were handed.
type DocumentStore struct {
	mu         sync.RWMutex
	id         types.DocumentID
	cache      map[string]value.Value
	clock      types.VectorClock
	lastChange types.ChangeID
}

// NewDocumentStore constructs a store holding an empty root map.
func NewDocumentStore(id types.DocumentID) *DocumentStore {
	root := &value.Map{ObjectID: value.RootID, Values: map[string]value.Value{}}
	return &DocumentStore{
		id:    id,
		cache: value.Index(root),
		clock: make(types.VectorClock),
	}
}

// Change runs fn against a fresh change.Context. When fn succeeds and emitted
// operations, the overlay is folded into the cache and the change is stamped
// with the next clock position of actor. A change that emitted nothing is
// returned with no ops and leaves the store untouched; any error discards the
// whole change set.
func (s *DocumentStore) Change(actor types.ClientID, fn func(*change.Context) error, opts ...change.Option) (types.Change, error) {
	s.mu.Lock()

	ctx := change.New(string(actor), s.cache, opts...)
	if err := fn(ctx); err != nil {
		s.mu.Unlock()
		return types.Change{}, err
	}
	if !ctx.Changed() {
		s.mu.Unlock()
		return types.Change{Document: s.id, Actor: actor, VectorClock: s.clock.Clone()}, nil
	}

	root, err := value.AsMap(ctx.Updated()[value.RootID])
	if err != nil {
		s.mu.Unlock()
		return types.Change{}, fmt.Errorf("commit change: %w", err)
	}

	s.clock.Bump(actor)
	c := types.Change{
		ID:          types.ChangeID(uuid.NewString()),
		Document:    s.id,
		Actor:       actor,
		Ops:         ctx.Ops(),
		Patches:     ctx.Patches(),
		VectorClock: s.clock.Clone(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.Seal(); err != nil {
		s.clock[actor]--
		s.mu.Unlock()
		return types.Change{}, err
	}
	s.cache = value.Index(root)
	s.lastChange = c.ID
	s.mu.Unlock()
	return c, nil
}

// Apply folds the patches of a change produced elsewhere into the view. Changes
// the clock has already seen are ignored.
func (s *DocumentStore) Apply(c types.Change) (bool, error) {
	s.mu.Lock()

	if s.clock.Seen(c.Actor, c.VectorClock) {
		s.mu.Unlock()
		return false, nil
	}

	overlay := maps.Clone(s.cache)
	var next value.Value = s.cache[value.RootID]
	for i, p := range c.Patches {
		applied, err := interpret.Apply(p, next, overlay)
		if err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("apply patch %d of change %s: %w", i, c.ID, err)
		}
		next = applied
	}
	root, err := value.AsMap(next)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("apply change %s: %w", c.ID, err)
	}

	s.cache = value.Index(root)
	s.clock.Merge(c.VectorClock)
	s.lastChange = c.ID
	s.mu.Unlock()
	return true, nil
}

// Restore replaces the view with root, typically loaded from a snapshot.
func (s *DocumentStore) Restore(root *value.Map, clock types.VectorClock, lastChange types.ChangeID) error {
	if root == nil || root.ObjectID != value.RootID {
		return fmt.Errorf("restore %s: %w", s.id, value.ErrTypeMismatch)
	}

	s.mu.Lock()
	s.cache = value.Index(root)
	s.clock = clock.Clone()
	s.lastChange = lastChange
	s.mu.Unlock()
	return nil
}

// Root returns the current root map. The returned value must not be modified.
func (s *DocumentStore) Root() *value.Map {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, _ := s.cache[value.RootID].(*value.Map)
	return root
}

// Objects returns the object index of the current view.
func (s *DocumentStore) Objects() map[string]value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cache
}

// Clock returns a copy of the document's vector clock.
func (s *DocumentStore) Clock() types.VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clock.Clone()
}

// LastChange returns the id of the most recently folded change.
func (s *DocumentStore) LastChange() types.ChangeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastChange
}
