package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/sync-document-engine/internal/types"
)

const insertSnapshot = `
INSERT INTO document_snapshots (document_id, change_id, vector_clock, object_path, last_lsn, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// SnapshotRef points at a materialized document stored in object storage.
type SnapshotRef struct {
	Document    types.DocumentID
	ChangeID    types.ChangeID
	VectorClock types.VectorClock
	ObjectPath  string
	LastLSN     int64
	CreatedAt   time.Time
}

// RecordSnapshot stores a snapshot reference and advances the checkpoint.
func (w *WAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	clock, err := json.Marshal(ref.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}

	_, err = retry(ctx, w, "snapshot", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, insertSnapshot,
				ref.Document, ref.ChangeID, clock, ref.ObjectPath, ref.LastLSN, ref.CreatedAt,
			); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, upsertCheckpoint, ref.Document, ref.LastLSN)
			return err
		})
	})
	return err
}

// LatestSnapshot returns the newest snapshot of a document. A document without
// snapshots yields a zero ref.
func (w *WAL) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return w.snapshotWhere(ctx, docID, `WHERE document_id = $1 ORDER BY last_lsn DESC LIMIT 1`, docID)
}

// SnapshotBeforeLSN returns the newest snapshot taken at or before lsn. A zero
// ref means replay has to start from the beginning of the log.
func (w *WAL) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return w.snapshotWhere(ctx, docID, `WHERE document_id = $1 AND last_lsn <= $2 ORDER BY last_lsn DESC LIMIT 1`, docID, lsn)
}

func (w *WAL) snapshotWhere(ctx context.Context, docID types.DocumentID, where string, args ...any) (SnapshotRef, error) {
	var (
		ref   SnapshotRef
		doc   string
		id    string
		clock []byte
	)
	err := w.pool.QueryRow(ctx, `
		SELECT document_id, change_id, vector_clock, object_path, last_lsn, created_at
		FROM document_snapshots `+where, args...).Scan(&doc, &id, &clock, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Document: docID, VectorClock: make(types.VectorClock)}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = types.DocumentID(doc)
	ref.ChangeID = types.ChangeID(id)
	if len(clock) > 0 {
		if err := json.Unmarshal(clock, &ref.VectorClock); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode vector clock: %w", err)
		}
	}
	return ref, nil
}
