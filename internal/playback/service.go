// Package playback rebuilds a document as it was at an earlier change or
// point in time from the newest usable snapshot plus the WAL after it.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/observability"
	"github.com/example/sync-document-engine/internal/snapshot"
	"github.com/example/sync-document-engine/internal/storage"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

var (
	// ErrInvalidRequest is returned for requests without a document or cursor.
	ErrInvalidRequest = errors.New("invalid playback request")
	// ErrAccessDenied wraps the reason an Authorizer refused a request.
	ErrAccessDenied = errors.New("access denied")

	errReachedTarget = errors.New("reached playback target")
)

const defaultCacheSize = 8

// Log is the read side of the WAL playback needs.
type Log interface {
	LSNForChange(ctx context.Context, docID types.DocumentID, changeID types.ChangeID) (int64, time.Time, error)
	LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error)
	SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (storage.SnapshotRef, error)
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error
}

// Authorizer decides whether the caller in ctx may read a document.
type Authorizer interface {
	Authorize(ctx context.Context, docID types.DocumentID) error
}

// Request names a document and the point to rebuild it at. When both are
// set, ChangeID wins and AtTime must not predate it.
type Request struct {
	Document types.DocumentID
	ChangeID types.ChangeID
	AtTime   *time.Time
}

// Response is the rebuilt document. State is the plain JSON rendering of the
// root map.
type Response struct {
	Document    types.DocumentID  `json:"document_id"`
	ChangeID    types.ChangeID    `json:"change_id"`
	LSN         int64             `json:"lsn"`
	VectorClock types.VectorClock `json:"vector_clock"`
	State       json.RawMessage   `json:"state"`
}

// Option customizes a Service.
type Option func(*Service)

// WithAuthorizer checks every request with auth before touching storage.
func WithAuthorizer(auth Authorizer) Option {
	return func(s *Service) { s.auth = auth }
}

// WithCacheSize bounds the number of rebuilt states kept in memory.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// Service answers playback requests.
type Service struct {
	wal       Log
	bucket    string
	loader    SnapshotLoader
	auth      Authorizer
	cacheSize int
	cache     *stateCache
	logger    zerolog.Logger
}

// NewService builds a playback service reading snapshots from bucket.
func NewService(wal Log, bucket string, loader SnapshotLoader, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		wal:       wal,
		bucket:    bucket,
		loader:    loader,
		cacheSize: defaultCacheSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newStateCache(s.cacheSize)
	return s
}

// Playback rebuilds the document at the requested change or time.
func (s *Service) Playback(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "playback.Playback")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", string(req.Document)))
	start := time.Now()

	resp, source, err := s.playback(ctx, req)
	if err != nil {
		observability.Fail(span, err)
		return Response{}, err
	}
	span.SetAttributes(attribute.Int64("lsn", resp.LSN), attribute.String("source", source))
	playbackLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	return resp, nil
}

func (s *Service) playback(ctx context.Context, req Request) (Response, string, error) {
	if req.Document == "" {
		return Response{}, "", fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	if req.ChangeID == "" && req.AtTime == nil {
		return Response{}, "", fmt.Errorf("%w: at_change or at_time is required", ErrInvalidRequest)
	}
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, req.Document); err != nil {
			return Response{}, "", fmt.Errorf("%w to %s: %w", ErrAccessDenied, req.Document, err)
		}
	}

	target, err := s.target(ctx, req)
	if err != nil {
		return Response{}, "", err
	}

	base, source := s.cache.Get(req.Document, target), "cache"
	if base == nil {
		if base, err = s.snapshotBefore(ctx, req.Document, target); err != nil {
			return Response{}, "", err
		}
		source = "snapshot"
	}

	state, err := s.rollForward(ctx, req.Document, base, target)
	if err != nil {
		return Response{}, "", err
	}
	s.cache.Put(req.Document, state)

	rendered, err := json.Marshal(value.Plain(state.Root))
	if err != nil {
		return Response{}, "", fmt.Errorf("encode state: %w", err)
	}
	return Response{
		Document:    req.Document,
		ChangeID:    state.LastChange,
		LSN:         state.LSN,
		VectorClock: state.VectorClock,
		State:       rendered,
	}, source, nil
}

// target resolves the request to the WAL position to stop at.
func (s *Service) target(ctx context.Context, req Request) (int64, error) {
	if req.ChangeID == "" {
		lsn, err := s.wal.LSNForTime(ctx, req.Document, *req.AtTime)
		if err != nil {
			return 0, fmt.Errorf("lookup lsn for time: %w", err)
		}
		return lsn, nil
	}
	lsn, committed, err := s.wal.LSNForChange(ctx, req.Document, req.ChangeID)
	if err != nil {
		return 0, fmt.Errorf("lookup change: %w", err)
	}
	if req.AtTime != nil && req.AtTime.Before(committed) {
		return 0, fmt.Errorf("%w: at_time predates change %s", ErrInvalidRequest, req.ChangeID)
	}
	return lsn, nil
}

// snapshotBefore loads the newest snapshot at or before target, or an empty
// state when there is none.
func (s *Service) snapshotBefore(ctx context.Context, docID types.DocumentID, target int64) (*state, error) {
	ref, err := s.wal.SnapshotBeforeLSN(ctx, docID, target)
	if err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}
	if ref.ObjectPath == "" {
		return &state{VectorClock: make(types.VectorClock)}, nil
	}

	data, err := s.loader.Load(ctx, s.bucket, ref.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", ref.ObjectPath, err)
	}
	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", ref.ObjectPath, err)
	}
	root, err := payload.RootMap()
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", ref.ObjectPath, err)
	}
	return &state{
		LSN:         ref.LastLSN,
		LastChange:  payload.LastChange,
		VectorClock: payload.VectorClock.Clone(),
		Root:        root,
	}, nil
}

// rollForward applies the WAL records after base up to and including target
// on a scratch engine.
func (s *Service) rollForward(ctx context.Context, docID types.DocumentID, base *state, target int64) (*state, error) {
	engine := crdt.NewEngine("playback", s.logger)
	if base.Root != nil {
		if err := engine.Restore(docID, base.Root, base.VectorClock, base.LastChange, base.LSN); err != nil {
			return nil, fmt.Errorf("restore base state: %w", err)
		}
	}

	if base.LSN < target {
		err := s.wal.ReplayDocument(ctx, docID, base.LSN, func(record types.WALRecord) error {
			if record.LSN > target {
				return errReachedTarget
			}
			return engine.ApplyWAL(record)
		})
		if err != nil && !errors.Is(err, errReachedTarget) {
			return nil, fmt.Errorf("replay document: %w", err)
		}
	}

	return &state{
		LSN:         target,
		LastChange:  engine.LastChange(docID),
		VectorClock: engine.VectorClock(docID),
		Root:        engine.View(docID),
	}, nil
}
