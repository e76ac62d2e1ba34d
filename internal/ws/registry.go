package ws

import (
	"sync"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
)

type connSet map[*Connection]struct{}

// ConnectionRegistry groups live connections by document.
type ConnectionRegistry struct {
	mu   sync.RWMutex
	docs map[types.DocumentID]connSet
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{docs: make(map[types.DocumentID]connSet)}
}

// Register attaches c to doc.
func (r *ConnectionRegistry) Register(doc types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.docs[doc]
	if !ok {
		set = make(connSet)
		r.docs[doc] = set
	}
	set[c] = struct{}{}
	r.observe(doc, len(set))
}

// Unregister detaches c from doc. Unknown connections are ignored.
func (r *ConnectionRegistry) Unregister(doc types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.docs[doc]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.docs, doc)
	}
	r.observe(doc, len(set))
}

func (r *ConnectionRegistry) observe(doc types.DocumentID, n int) {
	gatewayConnections.WithLabelValues(string(doc)).Set(float64(n))
}

// Count returns the number of live connections on doc.
func (r *ConnectionRegistry) Count(doc types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs[doc])
}

// BroadcastEnvelope sends env to every connection on doc except skip and
// returns how many accepted it.
func (r *ConnectionRegistry) BroadcastEnvelope(doc types.DocumentID, env *wire.Envelope, skip *Connection) int {
	return r.fanout(doc, env, func(c *Connection) bool { return c != skip })
}

// BroadcastEnvelopeByClientID is BroadcastEnvelope for events relayed from
// other instances, where only the originating client id is known. An empty
// id skips nobody.
func (r *ConnectionRegistry) BroadcastEnvelopeByClientID(doc types.DocumentID, env *wire.Envelope, skip types.ClientID) int {
	return r.fanout(doc, env, func(c *Connection) bool {
		return skip == "" || c.ClientID() != skip
	})
}

func (r *ConnectionRegistry) fanout(doc types.DocumentID, env *wire.Envelope, include func(*Connection) bool) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.docs[doc]))
	for c := range r.docs[doc] {
		if include(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	// Encodings are shared across recipients.
	f := newFrame(env)
	sent := 0
	for _, c := range targets {
		if c.sendFrame(f) == nil {
			sent++
		}
	}
	return sent
}
