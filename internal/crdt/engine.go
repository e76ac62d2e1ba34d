package crdt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sync-document-engine/internal/change"
	"github.com/example/sync-document-engine/internal/observability"
	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

var tracer = otel.Tracer("github.com/example/sync-document-engine/internal/crdt")

// Result is the outcome of Mutate.
type Result struct {
	Change types.Change
	RowIDs []string
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithChangeOptions passes options to every change.Context the engine opens.
func WithChangeOptions(opts ...change.Option) EngineOption {
	return func(e *Engine) { e.changeOpts = append(e.changeOpts, opts...) }
}

// WithIDGenerator replaces the object id source of local change sets.
func WithIDGenerator(gen oplog.IDGenerator) EngineOption {
	return WithChangeOptions(change.WithIDGenerator(gen))
}

// Engine orchestrates document stores and tracks applied WAL positions.
type Engine struct {
	mu         sync.RWMutex
	siteID     string
	stores     map[types.DocumentID]*DocumentStore
	lastLSN    map[types.DocumentID]int64
	writers    sync.Map // types.DocumentID -> *sync.Mutex
	logger     zerolog.Logger
	changeOpts []change.Option
}

// NewEngine constructs an Engine with the provided site identifier and logger.
func NewEngine(siteID string, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		siteID:  siteID,
		stores:  make(map[types.DocumentID]*DocumentStore),
		lastLSN: make(map[types.DocumentID]int64),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.changeOpts = append([]change.Option{change.WithLogger(logger)}, e.changeOpts...)
	return e
}

// SiteID returns the identifier this engine was started with.
func (e *Engine) SiteID() string { return e.siteID }

// Store returns the DocumentStore for a document, creating it if necessary.
func (e *Engine) Store(docID types.DocumentID) *DocumentStore {
	e.mu.Lock()
	defer e.mu.Unlock()

	store, ok := e.stores[docID]
	if ok {
		return store
	}

	store = NewDocumentStore(docID)
	e.stores[docID] = store
	documentCount.Set(float64(len(e.stores)))
	return store
}

// Exclusive runs fn while holding the write lock of the document. Remote
// changes wait for fn to return, so a local commit can restore the view it
// captured without discarding them. fn must not call ApplyChange or ApplyWAL
// for the same document.
func (e *Engine) Exclusive(docID types.DocumentID, fn func() error) error {
	mu := e.writer(docID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (e *Engine) writer(docID types.DocumentID) *sync.Mutex {
	mu, _ := e.writers.LoadOrStore(docID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Change runs fn as one change set on the document, writing as actor. The
// returned change has no ops when fn recorded nothing.
func (e *Engine) Change(ctx context.Context, docID types.DocumentID, actor types.ClientID, fn func(*change.Context) error) (types.Change, error) {
	_, span := tracer.Start(ctx, "crdt.Change")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", string(docID)), attribute.String("actor", string(actor)))

	start := time.Now()
	c, err := e.Store(docID).Change(actor, fn, e.changeOpts...)
	mutationLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	if err != nil {
		mutationsRejected.WithLabelValues(string(docID)).Inc()
		observability.Fail(span, err)
		e.logger.Debug().Err(err).Str("document", string(docID)).Str("actor", string(actor)).Msg("change set rejected")
		return types.Change{}, err
	}

	opsEmitted.WithLabelValues(string(docID)).Add(float64(len(c.Ops)))
	span.SetAttributes(attribute.Int("ops", len(c.Ops)))
	return c, nil
}

// Mutate applies mutations as a single change set. Either all of them take
// effect or none does.
func (e *Engine) Mutate(ctx context.Context, docID types.DocumentID, actor types.ClientID, mutations ...Mutation) (Result, error) {
	var rows []string
	c, err := e.Change(ctx, docID, actor, func(cc *change.Context) error {
		for i, m := range mutations {
			rowID, err := m.Apply(cc)
			if err != nil {
				return fmt.Errorf("mutation %d (%s): %w", i, m.Kind, err)
			}
			if rowID != "" {
				rows = append(rows, rowID)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Change: c, RowIDs: rows}, nil
}

// ApplyChange folds a change produced by another instance. It reports whether
// the change was new to this engine. It waits for any Exclusive section on the
// document to finish.
func (e *Engine) ApplyChange(ctx context.Context, c types.Change) (bool, error) {
	_, span := tracer.Start(ctx, "crdt.ApplyChange")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", string(c.Document)), attribute.String("change_id", string(c.ID)))

	mu := e.writer(c.Document)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	applied, err := e.Store(c.Document).Apply(c)
	applyLatency.WithLabelValues(string(c.Document)).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.Fail(span, err)
	}
	return applied, err
}

// ApplyWAL replays a WAL record into its document and records its position.
// Records at or below the last applied position are skipped.
func (e *Engine) ApplyWAL(record types.WALRecord) error {
	if record.LSN > 0 && record.LSN <= e.LastLSN(record.Document) {
		return nil
	}
	if len(record.Payload) > 0 {
		c, err := types.DecodeChange(record)
		if err != nil {
			e.logger.Error().Err(err).Str("document", string(record.Document)).Int64("lsn", record.LSN).Msg("failed to decode WAL payload")
			return err
		}
		if _, err := e.ApplyChange(context.Background(), c); err != nil {
			return err
		}
	}
	e.Advance(record.Document, record.LSN)
	return nil
}

// Advance records that the document is durable up to lsn.
func (e *Engine) Advance(docID types.DocumentID, lsn int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lsn > e.lastLSN[docID] {
		e.lastLSN[docID] = lsn
	}
}

// Restore replaces a document's view with a snapshot taken at lsn.
func (e *Engine) Restore(docID types.DocumentID, root *value.Map, clock types.VectorClock, lastChange types.ChangeID, lsn int64) error {
	if err := e.Store(docID).Restore(root, clock, lastChange); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastLSN[docID] = lsn
	e.mu.Unlock()
	return nil
}

// View returns a deep copy of the document root that callers may modify.
func (e *Engine) View(docID types.DocumentID) *value.Map {
	return clone.Clone(e.Store(docID).Root()).(*value.Map)
}

// VectorClock returns the current logical clock for a document.
func (e *Engine) VectorClock(docID types.DocumentID) types.VectorClock {
	return e.Store(docID).Clock()
}

// LastLSN returns the highest applied WAL position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLSN[docID]
}

// LastChange returns the id of the most recent change folded into the document.
func (e *Engine) LastChange(docID types.DocumentID) types.ChangeID {
	return e.Store(docID).LastChange()
}

// Documents returns the list of documents currently loaded in memory.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.stores))
	for docID := range e.stores {
		docs = append(docs, docID)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs
}
