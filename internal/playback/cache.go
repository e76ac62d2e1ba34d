package playback

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/huandu/go-clone"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

// state is a document rebuilt at a WAL position.
type state struct {
	LSN         int64
	LastChange  types.ChangeID
	VectorClock types.VectorClock
	Root        *value.Map
}

func (s *state) clone() *state {
	out := *s
	out.VectorClock = s.VectorClock.Clone()
	if s.Root != nil {
		out.Root = clone.Clone(s.Root).(*value.Map)
	}
	return &out
}

type position struct {
	doc types.DocumentID
	lsn int64
}

// stateCache keeps recently rebuilt states so nearby requests only replay
// the WAL between the cached position and their target.
type stateCache struct {
	entries *lru.Cache[position, *state]
}

func newStateCache(size int) *stateCache {
	entries, _ := lru.New[position, *state](max(size, 1))
	return &stateCache{entries: entries}
}

// Get returns a copy of the closest state at or before target, or nil.
func (c *stateCache) Get(doc types.DocumentID, target int64) *state {
	best, found := position{}, false
	for _, key := range c.entries.Keys() {
		if key.doc == doc && key.lsn <= target && (!found || key.lsn > best.lsn) {
			best, found = key, true
		}
	}
	if !found {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	entry, ok := c.entries.Get(best)
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return entry.clone()
}

// Put stores a copy of s.
func (c *stateCache) Put(doc types.DocumentID, s *state) {
	c.entries.Add(position{doc: doc, lsn: s.LSN}, s.clone())
}
