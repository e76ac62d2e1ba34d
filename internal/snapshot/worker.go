package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/storage"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

const (
	defaultInterval        = 15 * time.Second
	defaultWALThreshold    = int64(500)
	defaultObjectThreshold = 256
)

// Payload captures the materialized document and metadata persisted inside
// an object storage snapshot.
type Payload struct {
	Document    types.DocumentID  `json:"document_id"`
	LastChange  types.ChangeID    `json:"last_change_id"`
	VectorClock types.VectorClock `json:"vector_clock"`
	Root        value.Literal     `json:"root"`
}

// RootMap returns the decoded root of the payload.
func (p Payload) RootMap() (*value.Map, error) {
	return value.AsMap(p.Root.Value)
}

// Log is the part of the WAL the worker needs.
type Log interface {
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error)
	ChangeCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// ObjectStore uploads snapshot payloads.
type ObjectStore interface {
	Put(ctx context.Context, bucket, objectPath string, data []byte) error
}

// Option tunes the worker thresholds.
type Option func(*Worker)

// WithInterval sets how often documents are inspected.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWALThreshold sets the number of WAL records since the last snapshot
// that triggers a new one.
func WithWALThreshold(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.walThreshold = n
		}
	}
}

// WithObjectThreshold sets the number of live objects that triggers a
// snapshot regardless of WAL volume.
func WithObjectThreshold(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.objectThreshold = n
		}
	}
}

// Worker periodically inspects per-document change volume and emits
// snapshots to object storage when thresholds are exceeded.
type Worker struct {
	wal    Log
	engine *crdt.Engine
	object ObjectStore
	bucket string

	interval        time.Duration
	walThreshold    int64
	objectThreshold int

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(wal Log, engine *crdt.Engine, object ObjectStore, bucket string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		wal:             wal,
		engine:          engine,
		object:          object,
		bucket:          bucket,
		interval:        defaultInterval,
		walThreshold:    defaultWALThreshold,
		objectThreshold: defaultObjectThreshold,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce inspects every loaded document once.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, docID := range w.engine.Documents() {
		if _, err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) (bool, error) {
	if w.object == nil {
		return false, errors.New("object storage client not configured")
	}

	latest, err := w.wal.LatestSnapshot(ctx, docID)
	if err != nil {
		return false, fmt.Errorf("lookup latest snapshot: %w", err)
	}

	lastLSN := w.engine.LastLSN(docID)
	if lastLSN <= latest.LastLSN {
		return false, nil
	}

	walCount, err := w.wal.ChangeCountAfterLSN(ctx, docID, latest.LastLSN)
	if err != nil {
		return false, fmt.Errorf("count changes: %w", err)
	}

	store := w.engine.Store(docID)
	objectCount := len(store.Objects())
	if walCount < w.walThreshold && objectCount < w.objectThreshold {
		return false, nil
	}

	lastChange := store.LastChange()
	if lastChange == "" {
		return false, nil
	}

	payload := Payload{
		Document:    docID,
		LastChange:  lastChange,
		VectorClock: store.Clock(),
		Root:        value.L(store.Root()),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%s.json", docID, lastChange)
	if err := w.object.Put(ctx, w.bucket, objectPath, data); err != nil {
		return false, fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    docID,
		ChangeID:    lastChange,
		VectorClock: payload.VectorClock.Clone(),
		ObjectPath:  objectPath,
		LastLSN:     lastLSN,
		CreatedAt:   time.Now().UTC(),
	}

	if err := w.wal.RecordSnapshot(ctx, ref); err != nil {
		return false, fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("document", string(docID)).Str("change_id", string(lastChange)).Int64("lsn", lastLSN).Msg("snapshot created")
	return true, nil
}

// DecodePayload unmarshals a snapshot payload from its binary representation.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	if _, err := payload.RootMap(); err != nil {
		return Payload{}, fmt.Errorf("snapshot root: %w", err)
	}
	return payload, nil
}

// MinioStore uploads payloads with a MinIO/S3 client.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore wraps client.
func NewMinioStore(client *minio.Client) *MinioStore {
	return &MinioStore{client: client}
}

// Put implements ObjectStore.
func (s *MinioStore) Put(ctx context.Context, bucket, objectPath string, data []byte) error {
	if s.client == nil {
		return errors.New("object storage client not configured")
	}
	_, err := s.client.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
