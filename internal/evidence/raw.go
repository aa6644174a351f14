package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// ContentHash returns the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// blobKey shards content-addressed blobs by the first two hash characters.
func blobKey(hash string) string {
	return hash[:2] + "/" + hash
}

// StoreRawObject captures data under an open run. Byte-identical data already
// stored under the same run returns the existing row. Blob writes are retried
// on transient failure; when retries are exhausted the run is sealed as failed
// and the storage error is returned.
func (t *Tracker) StoreRawObject(ctx context.Context, runID string, data []byte, kind string) (*model.RawObject, error) {
	if t.blobs == nil {
		return nil, eris.New("evidence: no blob store configured")
	}
	if kind == "" {
		kind = "application/octet-stream"
	}
	hash := ContentHash(data)

	var endedAt *time.Time
	err := t.pool.QueryRow(ctx,
		`SELECT ended_at FROM evidence.ingestion_runs WHERE id = $1`, runID,
	).Scan(&endedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrInvalidReference, "evidence: unknown run %q", runID)
		}
		return nil, eris.Wrapf(err, "evidence: look up run %s", runID)
	}

	existing, err := t.rawObject(ctx, runID, hash)
	if err == nil {
		return existing, nil
	}
	if !db.IsNoRows(err) {
		return nil, eris.Wrapf(err, "evidence: look up raw object %s", hash)
	}
	if endedAt != nil {
		return nil, eris.Wrapf(model.ErrAlreadySealed, "evidence: run %s", runID)
	}

	retry := t.retry
	retry.OnRetry = resilience.Chain(retry.OnRetry, resilience.RetryLogger("evidence.tracker", "store_raw_object"))
	location, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return t.blobs.Put(ctx, blobKey(hash), data)
	})
	if err != nil {
		t.log.Error("raw object storage exhausted retries; failing run",
			zap.String("run_id", runID),
			zap.String("content_hash", hash),
			zap.Error(err),
		)
		if ferr := t.FailRun(ctx, runID, "store raw object: "+err.Error()); ferr != nil {
			t.log.Warn("could not fail run after storage error", zap.String("run_id", runID), zap.Error(ferr))
		}
		return nil, eris.Wrapf(err, "evidence: store raw object for run %s", runID)
	}

	_, err = t.pool.Exec(ctx,
		`INSERT INTO evidence.raw_objects (id, run_id, content_hash, storage_location, byte_size, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id, content_hash) DO NOTHING`,
		uuid.NewString(), runID, hash, location, int64(len(data)), kind, t.now(),
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return nil, eris.Wrapf(model.ErrInvalidReference, "evidence: unknown run %q", runID)
		}
		return nil, eris.Wrapf(err, "evidence: insert raw object for run %s", runID)
	}

	// Re-read so a concurrent writer of the same bytes sees one row.
	obj, err := t.rawObject(ctx, runID, hash)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read back raw object %s", hash)
	}
	metrics.RecordRawBytes(obj.ByteSize)
	return obj, nil
}

const rawColumns = `id, run_id, content_hash, storage_location, byte_size, kind, created_at`

func scanRaw(row interface{ Scan(dest ...any) error }) (*model.RawObject, error) {
	var o model.RawObject
	if err := row.Scan(&o.ID, &o.RunID, &o.ContentHash, &o.StorageLocation, &o.ByteSize, &o.Kind, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *Tracker) rawObject(ctx context.Context, runID, hash string) (*model.RawObject, error) {
	return scanRaw(t.pool.QueryRow(ctx,
		`SELECT `+rawColumns+` FROM evidence.raw_objects WHERE run_id = $1 AND content_hash = $2`,
		runID, hash))
}

// GetRawObject returns one raw object by id.
func (t *Tracker) GetRawObject(ctx context.Context, id string) (*model.RawObject, error) {
	o, err := scanRaw(t.pool.QueryRow(ctx,
		`SELECT `+rawColumns+` FROM evidence.raw_objects WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "evidence: raw object %s", id)
		}
		return nil, eris.Wrapf(err, "evidence: get raw object %s", id)
	}
	return o, nil
}

// RawObjects lists the artifacts captured by a run in capture order.
func (t *Tracker) RawObjects(ctx context.Context, runID string) ([]model.RawObject, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT `+rawColumns+` FROM evidence.raw_objects WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: list raw objects for run %s", runID)
	}
	defer rows.Close()

	var out []model.RawObject
	for rows.Next() {
		o, err := scanRaw(rows)
		if err != nil {
			return nil, eris.Wrap(err, "evidence: scan raw object")
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ReadRawObject returns the stored bytes of a raw object.
func (t *Tracker) ReadRawObject(ctx context.Context, id string) ([]byte, error) {
	if t.blobs == nil {
		return nil, eris.New("evidence: no blob store configured")
	}
	o, err := t.GetRawObject(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.blobs.Get(ctx, o.StorageLocation)
}
