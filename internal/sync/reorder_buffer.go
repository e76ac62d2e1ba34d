package syncstate

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/types"
)

var (
	// ErrCausalityGap is returned when a change is queued because the server
	// has not yet observed one of its causal predecessors.
	ErrCausalityGap = errors.New("change delayed: causal gap detected")
)

// ChangeApplier is invoked when a change is ready to be folded in.
type ChangeApplier func(types.Change) error

// OperationReorderBuffer holds relayed changes that cannot be applied yet
// because the local vector clock lags behind the incoming change.
type OperationReorderBuffer struct {
	mu       sync.Mutex
	tracker  *VectorClockTracker
	pending  map[types.DocumentID][]types.Change
	logger   zerolog.Logger
	reorders *prometheus.CounterVec
}

// NewOperationReorderBuffer constructs a buffer with the provided clock
// tracker and logger.
func NewOperationReorderBuffer(tracker *VectorClockTracker, logger zerolog.Logger) *OperationReorderBuffer {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "changes_reordered_total",
		Help:      "Number of changes applied after waiting for causal predecessors.",
	}, []string{"document_id"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &OperationReorderBuffer{
		tracker:  tracker,
		logger:   logger,
		pending:  make(map[types.DocumentID][]types.Change),
		reorders: counter,
	}
}

// HandleChange applies change if it is the next one expected from its actor,
// drops it if it was already applied, and queues it otherwise.
func (b *OperationReorderBuffer) HandleChange(change types.Change, apply ChangeApplier) error {
	if b.tracker.Seen(change) {
		b.logger.Debug().
			Str("document", string(change.Document)).
			Str("change", string(change.ID)).
			Msg("dropping change already applied")
		return nil
	}

	if !b.tracker.Ready(change) {
		b.enqueue(change)
		b.logger.Info().
			Str("document", string(change.Document)).
			Str("change", string(change.ID)).
			Str("actor", string(change.Actor)).
			Msg("queued change pending causal predecessors")
		return ErrCausalityGap
	}

	if err := apply(change); err != nil {
		return err
	}
	b.tracker.MergeRemote(change.Document, change.VectorClock)

	return b.drain(change.Document, apply)
}

// Pending returns the number of queued changes for the document.
func (b *OperationReorderBuffer) Pending(docID types.DocumentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending[docID])
}

// drain re-checks pending changes to see if any are now unblocked.
func (b *OperationReorderBuffer) drain(docID types.DocumentID, apply ChangeApplier) error {
	for {
		change, ok := b.dequeueReady(docID)
		if !ok {
			return nil
		}

		b.logger.Info().
			Str("document", string(docID)).
			Str("change", string(change.ID)).
			Str("actor", string(change.Actor)).
			Msg("applying previously queued change")
		b.reorders.WithLabelValues(string(docID)).Inc()

		if err := apply(change); err != nil {
			return err
		}
		b.tracker.MergeRemote(docID, change.VectorClock)
	}
}

func (b *OperationReorderBuffer) enqueue(change types.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[change.Document] = append(b.pending[change.Document], change)
}

func (b *OperationReorderBuffer) dequeueReady(docID types.DocumentID) (types.Change, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[docID]
	for i := 0; i < len(queue); {
		change := queue[i]
		switch {
		case b.tracker.Seen(change):
			queue = append(queue[:i], queue[i+1:]...)
		case b.tracker.Ready(change):
			queue = append(queue[:i], queue[i+1:]...)
			b.store(docID, queue)
			return change, true
		default:
			i++
		}
	}
	b.store(docID, queue)
	return types.Change{}, false
}

func (b *OperationReorderBuffer) store(docID types.DocumentID, queue []types.Change) {
	if len(queue) == 0 {
		delete(b.pending, docID)
		return
	}
	b.pending[docID] = queue
}
