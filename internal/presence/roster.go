package presence

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
)

// roster is what this instance believes about who is on each document.
type roster struct {
	mu   sync.RWMutex
	docs map[types.DocumentID]map[types.ClientID]wire.Presence
}

func newRoster() *roster {
	return &roster{docs: make(map[types.DocumentID]map[types.ClientID]wire.Presence)}
}

// apply records a heartbeat or forgets a disconnected client.
func (r *roster) apply(update wire.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := r.docs[update.Document]
	if update.Disconnected {
		delete(clients, update.Client)
		if len(clients) == 0 {
			delete(r.docs, update.Document)
		}
		return
	}
	if clients == nil {
		clients = make(map[types.ClientID]wire.Presence)
		r.docs[update.Document] = clients
	}
	clients[update.Client] = clonePresence(update)
}

// merge folds entries loaded from the store into the document's roster.
func (r *roster) merge(doc types.DocumentID, updates []wire.Presence) {
	for _, update := range updates {
		update.Document = doc
		r.apply(update)
	}
}

// list returns the document's clients ordered by id.
func (r *roster) list(doc types.DocumentID) []wire.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Presence, 0, len(r.docs[doc]))
	for _, p := range r.docs[doc] {
		out = append(out, clonePresence(p))
	}
	sortByClient(out)
	return out
}

// members lists client ids per document without holding the lock afterwards.
func (r *roster) members() map[types.DocumentID][]types.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.DocumentID][]types.ClientID, len(r.docs))
	for doc, clients := range r.docs {
		out[doc] = slices.Collect(maps.Keys(clients))
	}
	return out
}

func sortByClient(updates []wire.Presence) {
	slices.SortFunc(updates, func(a, b wire.Presence) int {
		return strings.Compare(string(a.Client), string(b.Client))
	})
}

func clonePresence(p wire.Presence) wire.Presence {
	p.Metadata = maps.Clone(p.Metadata)
	if p.Cursor != nil {
		cursor := *p.Cursor
		p.Cursor = &cursor
	}
	return p
}
