package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/playback"
	"github.com/example/sync-document-engine/internal/snapshot"
	"github.com/example/sync-document-engine/internal/storage"
	"github.com/example/sync-document-engine/internal/types"
)

// recovery rebuilds the engine from snapshots and the WAL at boot and
// keeps checkpoints current afterwards.
type recovery struct {
	wal    *storage.WAL
	engine *crdt.Engine
	loader playback.SnapshotLoader
	bucket string
	logger zerolog.Logger
}

func (r recovery) replay(ctx context.Context) error {
	docs, err := r.wal.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list wal documents: %w", err)
	}
	for _, doc := range docs {
		logger := r.logger.With().Str("document", string(doc)).Logger()
		from, err := r.restore(ctx, doc)
		if err != nil {
			logger.Error().Err(err).Msg("snapshot unusable, replaying full history")
			from = 0
		}
		if err := r.wal.ReplayDocument(ctx, doc, from, r.engine.ApplyWAL); err != nil {
			return fmt.Errorf("replay %s: %w", doc, err)
		}
		if lsn := r.engine.LastLSN(doc); lsn > 0 {
			if err := r.wal.RecordCheckpoint(ctx, doc, lsn); err != nil {
				logger.Error().Err(err).Msg("checkpoint after replay failed")
			}
		}
	}
	return nil
}

// restore loads the newest snapshot of doc into the engine and returns the
// LSN replay continues from. No snapshot means zero.
func (r recovery) restore(ctx context.Context, doc types.DocumentID) (int64, error) {
	ref, err := r.wal.LatestSnapshot(ctx, doc)
	if err != nil {
		return 0, fmt.Errorf("lookup snapshot: %w", err)
	}
	if ref.ChangeID == "" || ref.ObjectPath == "" {
		return 0, nil
	}
	data, err := r.loader.Load(ctx, r.bucket, ref.ObjectPath)
	if err != nil {
		return 0, err
	}
	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", ref.ObjectPath, err)
	}
	if payload.Document != "" && payload.Document != doc {
		return 0, fmt.Errorf("snapshot %s belongs to %s", ref.ObjectPath, payload.Document)
	}
	root, err := payload.RootMap()
	if err != nil {
		return 0, err
	}
	if err := r.engine.Restore(doc, root, payload.VectorClock.Clone(), payload.LastChange, ref.LastLSN); err != nil {
		return 0, fmt.Errorf("restore snapshot: %w", err)
	}
	r.logger.Info().
		Str("document", string(doc)).
		Str("change_id", string(ref.ChangeID)).
		Int64("lsn", ref.LastLSN).
		Msg("restored snapshot")
	return ref.LastLSN, nil
}

// checkpoint records the applied LSN of every document and refreshes the
// backlog gauge.
func (r recovery) checkpoint(ctx context.Context) {
	for _, doc := range r.engine.Documents() {
		lsn := r.engine.LastLSN(doc)
		if lsn == 0 {
			continue
		}
		if err := r.wal.RecordCheckpoint(ctx, doc, lsn); err != nil {
			r.logger.Error().Err(err).Str("document", string(doc)).Msg("checkpoint failed")
			continue
		}
		if err := r.wal.RecordBacklog(ctx, doc); err != nil {
			r.logger.Debug().Err(err).Str("document", string(doc)).Msg("backlog gauge not updated")
		}
	}
}
