package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sync-document-engine/internal/observability"
	"github.com/example/sync-document-engine/internal/types"
)

// ErrChangeNotFound is returned when a change id has no WAL entry.
var ErrChangeNotFound = errors.New("change not found in wal")

const (
	insertChange = `
INSERT INTO document_changes (document_id, change_id, client_id, vector_clock, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`

	selectChanges = `
SELECT lsn, change_id, client_id, vector_clock, payload, created_at
FROM document_changes
WHERE document_id = $1 AND lsn > $2
ORDER BY lsn`

	upsertCheckpoint = `
INSERT INTO document_checkpoints (document_id, last_lsn)
VALUES ($1, $2)
ON CONFLICT (document_id)
DO UPDATE SET last_lsn = GREATEST(document_checkpoints.last_lsn, EXCLUDED.last_lsn), checkpointed_at = now()`
)

// WAL is the Postgres change log. Every committed change gets a
// monotonically increasing LSN per database.
type WAL struct {
	pool       *pgxpool.Pool
	maxRetries uint
	retryDelay time.Duration
}

// WALOption configures a WAL.
type WALOption func(*WAL)

// WithMaxRetries bounds how often a transient failure is retried.
func WithMaxRetries(n uint) WALOption {
	return func(w *WAL) { w.maxRetries = n }
}

// WithRetryDelay sets the first backoff interval.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *WAL) { w.retryDelay = d }
}

// NewWAL wraps pool.
func NewWAL(pool *pgxpool.Pool, opts ...WALOption) *WAL {
	w := &WAL{pool: pool, maxRetries: 3, retryDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AppendChange persists c and returns its LSN.
func (w *WAL) AppendChange(ctx context.Context, c types.Change) (int64, error) {
	rec, err := c.ToWALRecord()
	if err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	ctx, span := walTracer.Start(ctx, "wal.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", string(rec.Document)),
		attribute.String("change_id", string(rec.Change)),
	)

	clock, err := json.Marshal(rec.VectorClock)
	if err != nil {
		return 0, fmt.Errorf("encode vector clock: %w", err)
	}

	started := time.Now()
	lsn, err := retry(ctx, w, "append", func(ctx context.Context) (lsn int64, err error) {
		err = pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, insertChange,
				rec.Document, rec.Change, rec.Client, clock, rec.Payload, rec.CreatedAt,
			).Scan(&lsn)
		})
		return lsn, err
	})
	walAppendLatency.WithLabelValues(string(rec.Document)).Observe(time.Since(started).Seconds())
	if err != nil {
		observability.Fail(span, err)
		return 0, fmt.Errorf("append change %s: %w", rec.Change, err)
	}
	span.SetAttributes(attribute.Int64("lsn", lsn))
	return lsn, nil
}

// ActiveDocuments lists every document with at least one change.
func (w *WAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_changes ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	docs := make([]types.DocumentID, len(names))
	for i, name := range names {
		docs[i] = types.DocumentID(name)
	}
	return docs, nil
}

// ReplayDocument calls handler for every record of docID after fromLSN, in
// LSN order. A handler error stops the replay and is returned.
func (w *WAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	ctx, span := walTracer.Start(ctx, "wal.Replay")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", string(docID)),
		attribute.Int64("from_lsn", fromLSN),
	)
	started := time.Now()
	defer func() {
		walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(started).Seconds())
	}()

	rows, err := w.pool.Query(ctx, selectChanges, docID, fromLSN)
	if err != nil {
		observability.Fail(span, err)
		return err
	}
	var (
		rec    = types.WALRecord{Document: docID}
		change string
		client string
		clock  []byte
	)
	_, err = pgx.ForEachRow(rows, []any{&rec.LSN, &change, &client, &clock, &rec.Payload, &rec.CreatedAt}, func() error {
		out := rec
		out.Change = types.ChangeID(change)
		out.Client = types.ClientID(client)
		out.Payload = append([]byte(nil), rec.Payload...)
		out.VectorClock = nil
		if len(clock) > 0 {
			if err := json.Unmarshal(clock, &out.VectorClock); err != nil {
				return fmt.Errorf("decode vector clock at lsn %d: %w", rec.LSN, err)
			}
		}
		return handler(out)
	})
	if err != nil {
		observability.Fail(span, err)
	}
	return err
}

// LSNForChange locates a change and reports when it was committed.
func (w *WAL) LSNForChange(ctx context.Context, docID types.DocumentID, changeID types.ChangeID) (lsn int64, at time.Time, err error) {
	err = w.pool.QueryRow(ctx,
		`SELECT lsn, created_at FROM document_changes WHERE document_id = $1 AND change_id = $2`,
		docID, changeID,
	).Scan(&lsn, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("%w: %s", ErrChangeNotFound, changeID)
	}
	return lsn, at, err
}

// LSNForTime returns the last LSN committed at or before ts, or zero.
func (w *WAL) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (lsn int64, err error) {
	err = w.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(lsn), 0) FROM document_changes WHERE document_id = $1 AND created_at <= $2`,
		docID, ts,
	).Scan(&lsn)
	return lsn, err
}

// ChangeCountAfterLSN counts the changes of docID written after lsn.
func (w *WAL) ChangeCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (n int64, err error) {
	err = w.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_changes WHERE document_id = $1 AND lsn > $2`,
		docID, lsn,
	).Scan(&n)
	return n, err
}

// LastCheckpoint returns the checkpointed LSN of docID, zero when there is
// none.
func (w *WAL) LastCheckpoint(ctx context.Context, docID types.DocumentID) (lsn int64, err error) {
	err = w.pool.QueryRow(ctx,
		`SELECT last_lsn FROM document_checkpoints WHERE document_id = $1`, docID,
	).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint moves the checkpoint of docID forward to lsn. It never
// moves backwards.
func (w *WAL) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	_, err := retry(ctx, w, "checkpoint", func(ctx context.Context) (pgconn.CommandTag, error) {
		return w.pool.Exec(ctx, upsertCheckpoint, docID, lsn)
	})
	return err
}

// RecordBacklog updates the backlog gauge of docID.
func (w *WAL) RecordBacklog(ctx context.Context, docID types.DocumentID) error {
	checkpoint, err := w.LastCheckpoint(ctx, docID)
	if err != nil {
		return err
	}
	n, err := w.ChangeCountAfterLSN(ctx, docID, checkpoint)
	if err != nil {
		return err
	}
	walBacklog.WithLabelValues(string(docID)).Set(float64(n))
	return nil
}

// retry runs fn with exponential backoff. Only transient Postgres failures
// are retried.
func retry[T any](ctx context.Context, w *WAL, op string, fn func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryDelay

	return backoff.Retry(ctx, func() (T, error) {
		res, err := fn(ctx)
		if err != nil && !isTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(w.maxRetries+1),
		backoff.WithNotify(func(error, time.Duration) { walRetries.WithLabelValues(op).Inc() }),
	)
}

// isTransient reports serialization failures, deadlocks and connection
// errors. Context errors are final.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
