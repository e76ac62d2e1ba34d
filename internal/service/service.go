// Package service turns client mutation frames into durable, broadcast
// changes.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sync-document-engine/internal/change"
	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/observability"
	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
	"github.com/example/sync-document-engine/internal/wire"
	"github.com/example/sync-document-engine/internal/ws"
)

// Error codes sent to clients in error envelopes.
const (
	CodeInvalidMutation = "invalid_mutation"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

var errNotDurable = errors.New("change could not be persisted")

var tracer = otel.Tracer("github.com/example/sync-document-engine/service")

var mutationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "service",
	Name:      "mutations_total",
	Help:      "Mutation frames handled, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(mutationOutcomes)
}

// Log is where committed changes are made durable.
type Log interface {
	AppendChange(ctx context.Context, c types.Change) (int64, error)
}

// Publisher fans committed changes out to other instances.
type Publisher interface {
	Publish(ctx context.Context, env *wire.Envelope) error
}

// Service applies client mutations to the engine, persists the resulting
// change and broadcasts it.
type Service struct {
	engine    *crdt.Engine
	wal       Log
	publisher Publisher
	logger    zerolog.Logger
}

// New wires a service. publisher may be nil for single-instance deployments.
func New(engine *crdt.Engine, wal Log, publisher Publisher, logger zerolog.Logger) *Service {
	return &Service{engine: engine, wal: wal, publisher: publisher, logger: logger}
}

// Hooks returns the websocket hooks that drive the service.
func (s *Service) Hooks() ws.Hooks {
	return ws.Hooks{
		OnMutation: s.HandleMutation,
		OnConnect:  s.SendState,
	}
}

// HandleMutation answers the sender and forwards the committed change to the
// other clients on the document.
func (s *Service) HandleMutation(ctx context.Context, conn *ws.Connection, env *wire.Envelope) error {
	reply, fanout := s.Apply(ctx, env)
	if fanout != nil {
		conn.Registry().BroadcastEnvelope(env.Document, fanout, conn)
	}
	return conn.SendEnvelope(reply)
}

// SendState sends the current materialized view to a freshly connected client.
func (s *Service) SendState(_ context.Context, conn *ws.Connection) error {
	return conn.SendEnvelope(s.State(conn.DocumentID()))
}

// State builds a state envelope for the document.
func (s *Service) State(docID types.DocumentID) *wire.Envelope {
	return &wire.Envelope{
		Kind:     wire.KindState,
		Document: docID,
		State: &wire.State{
			Root:        value.L(s.engine.View(docID)),
			VectorClock: s.engine.VectorClock(docID),
			LastChange:  s.engine.LastChange(docID),
			LSN:         s.engine.LastLSN(docID),
		},
	}
}

// Apply runs the mutations in env as one change set. It returns the reply for
// the sender and, when something was committed, the envelope for everyone
// else.
func (s *Service) Apply(ctx context.Context, env *wire.Envelope) (*wire.Envelope, *wire.Envelope) {
	ctx, span := tracer.Start(ctx, "service.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", string(env.Document)),
		attribute.String("client_id", string(env.Client)),
		attribute.Int("mutations", len(env.Mutations)),
	)

	c, rows, err := s.commit(ctx, env)
	if err != nil {
		observability.Fail(span, err)
		code := Code(err)
		mutationOutcomes.WithLabelValues(code).Inc()
		return errorEnvelope(env, code, err), nil
	}

	reply := &wire.Envelope{
		Kind:      wire.KindChange,
		Document:  env.Document,
		Client:    env.Client,
		RequestID: env.RequestID,
		Change:    &c,
		RowIDs:    rows,
	}
	if len(c.Ops) == 0 {
		mutationOutcomes.WithLabelValues("noop").Inc()
		return reply, nil
	}
	mutationOutcomes.WithLabelValues("committed").Inc()

	fanout := &wire.Envelope{
		Kind:      wire.KindChange,
		Document:  env.Document,
		Client:    env.Client,
		Timestamp: wire.Now(),
		Change:    &c,
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, fanout); err != nil {
			logger := observability.LoggerWithTrace(ctx, s.logger)
			logger.Warn().Err(err).Str("document", string(env.Document)).Str("change", string(c.ID)).Msg("failed to publish change")
		}
	}
	return reply, fanout
}

// commit mutates the document and appends the change to the log. Both steps
// run inside the engine's exclusive section for the document, so rolling back
// a failed append cannot drop a concurrent local commit or a relayed change.
func (s *Service) commit(ctx context.Context, env *wire.Envelope) (c types.Change, rows []string, err error) {
	err = s.engine.Exclusive(env.Document, func() error {
		before := s.capture(env.Document)

		res, err := s.engine.Mutate(ctx, env.Document, env.Client, env.Mutations...)
		if err != nil {
			return err
		}
		if len(res.Change.Ops) == 0 {
			c, rows = res.Change, res.RowIDs
			return nil
		}

		lsn, err := s.wal.AppendChange(ctx, res.Change)
		if err != nil {
			if rbErr := before.restore(s.engine); rbErr != nil {
				logger := observability.LoggerWithTrace(ctx, s.logger)
				logger.Error().Err(rbErr).Str("document", string(env.Document)).Msg("rollback after failed append")
			}
			return fmt.Errorf("%w: %w", errNotDurable, err)
		}
		s.engine.Advance(env.Document, lsn)
		c, rows = res.Change, res.RowIDs
		return nil
	})
	if err != nil {
		return types.Change{}, nil, err
	}
	return c, rows, nil
}

type checkpoint struct {
	document   types.DocumentID
	root       *value.Map
	clock      types.VectorClock
	lastChange types.ChangeID
	lsn        int64
}

func (s *Service) capture(docID types.DocumentID) checkpoint {
	return checkpoint{
		document:   docID,
		root:       s.engine.View(docID),
		clock:      s.engine.VectorClock(docID),
		lastChange: s.engine.LastChange(docID),
		lsn:        s.engine.LastLSN(docID),
	}
}

func (c checkpoint) restore(engine *crdt.Engine) error {
	return engine.Restore(c.document, c.root, c.clock, c.lastChange, c.lsn)
}

// Code maps an error to the code reported to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, crdt.ErrInvalidMutation),
		errors.Is(err, change.ErrOutOfBounds),
		errors.Is(err, change.ErrUnsupported),
		errors.Is(err, change.ErrCounterOverwrite),
		errors.Is(err, value.ErrTypeMismatch),
		errors.Is(err, value.ErrInvalidText),
		errors.Is(err, oplog.ErrExplicitRowID),
		errors.Is(err, oplog.ErrTableRows):
		return CodeInvalidMutation
	case errors.Is(err, change.ErrObjectNotFound),
		errors.Is(err, change.ErrPathObjectNotFound):
		return CodeNotFound
	case errors.Is(err, oplog.ErrExistingObject):
		return CodeConflict
	case errors.Is(err, errNotDurable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

func errorEnvelope(req *wire.Envelope, code string, err error) *wire.Envelope {
	return &wire.Envelope{
		Kind:      wire.KindError,
		Document:  req.Document,
		Client:    req.Client,
		RequestID: req.RequestID,
		Timestamp: wire.Now(),
		Error:     &wire.Error{Code: code, Message: err.Error()},
	}
}
