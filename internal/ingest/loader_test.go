package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

type fakeRuns struct {
	mu       sync.Mutex
	started  []string
	raw      int
	sealed   map[string]evidence.RunResult
	startErr error
	rawErr   error
}

func (f *fakeRuns) StartRun(_ context.Context, sourceID string) (*model.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, sourceID)
	return &model.IngestionRun{ID: "run-" + sourceID, SourceID: sourceID, Status: model.RunRunning}, nil
}

func (f *fakeRuns) StoreRawObject(_ context.Context, runID string, _ []byte, _ string) (*model.RawObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rawErr != nil {
		return nil, f.rawErr
	}
	f.raw++
	return &model.RawObject{ID: fmt.Sprintf("raw-%d", f.raw), RunID: runID}, nil
}

func (f *fakeRuns) CompleteRun(_ context.Context, runID string, result evidence.RunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed == nil {
		f.sealed = make(map[string]evidence.RunResult)
	}
	f.sealed[runID] = result
	return nil
}

type fakeObs struct {
	mu        sync.Mutex
	n         int
	existing  map[float64]string
	rejectGeo string
	putErr    error
	outsideTx int
}

func (f *fakeObs) EnsureSeries(_ context.Context, key model.SeriesKey, freq model.Cadence, _ string) (*model.Series, error) {
	if key.Geo == f.rejectGeo {
		return nil, eris.Wrapf(model.ErrInvalidReference, "observation: unknown source %q", key.SourceID)
	}
	return &model.Series{ID: "s-" + key.Indicator + "-" + key.Geo, SeriesKey: key, Frequency: freq}, nil
}

func (f *fakeObs) PutObservationTx(_ context.Context, tx pgx.Tx, p observation.Put) (*model.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx == nil {
		f.outsideTx++
	}
	if f.putErr != nil {
		return nil, f.putErr
	}
	if id, ok := f.existing[p.Value]; ok {
		return &model.Observation{ID: id, SeriesID: p.SeriesID, RunID: "run-earlier"}, nil
	}
	f.n++
	return &model.Observation{ID: fmt.Sprintf("obs-%d", f.n), SeriesID: p.SeriesID, RunID: p.RunID, Value: p.Value}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []model.LedgerEntry
	err     error
}

func (f *fakeRecorder) Append(_ context.Context, q db.Querier, e model.LedgerEntry) (*model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q == nil {
		return nil, errors.New("entry appended outside a transaction")
	}
	if f.err != nil {
		return nil, f.err
	}
	e.ID = fmt.Sprintf("entry-%d", len(f.entries)+1)
	f.entries = append(f.entries, e)
	return &e, nil
}

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) DetectForObservations(ctx context.Context, ids []string, asOf time.Time, threshold float64) ([]contradiction.Detection, error) {
	args := m.Called(ctx, ids, asOf, threshold)
	dets, _ := args.Get(0).([]contradiction.Detection)
	return dets, args.Error(1)
}

// newTestPool returns a mock pool for the batch transactions of a test.
func newTestPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func day(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func row(geo string, value float64) Row {
	return Row{
		Indicator:   "cpi",
		Geo:         geo,
		Regime:      model.RegimeAden,
		Frequency:   model.Monthly,
		ObsDate:     day("2024-01-01"),
		VintageDate: day("2024-02-15"),
		Value:       value,
	}
}

func testBatch(rows ...Row) Batch {
	return Batch{
		SourceID: "cby-aden",
		Raw:      []Payload{{Kind: "csv", Data: []byte("cpi,2024-01,101.5")}},
		Rows:     rows,
	}
}

func TestLoad_Success(t *testing.T) {
	runs, obs, rec := &fakeRuns{}, &fakeObs{}, &fakeRecorder{}
	det := &mockDetector{}
	det.On("DetectForObservations", mock.Anything, []string{"obs-1", "obs-2"}, mock.AnythingOfType("time.Time"), 0.0).
		Return([]contradiction.Detection{{New: true}, {New: false}}, nil).Once()
	pool := newTestPool(t)
	pool.ExpectBegin()
	pool.ExpectCommit()
	l := NewLoader(pool, runs, obs, rec, config.IngestConfig{}, WithDetector(det))

	res, err := l.Load(context.Background(), testBatch(row("aden", 101.5), row("sanaa", 98)))
	require.NoError(t, err)
	assert.NoError(t, pool.ExpectationsWereMet())
	assert.Zero(t, obs.outsideTx)

	assert.Equal(t, model.RunSuccess, res.Status)
	assert.Equal(t, "run-cby-aden", res.RunID)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.RawObjects)
	assert.Equal(t, 1, res.Contradictions)
	assert.Equal(t, "entry-1", res.LedgerEntryID)

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, model.ActionIngest, e.Action)
	assert.Equal(t, "run-cby-aden", e.RunID)
	assert.Equal(t, []model.Ref{"run:run-cby-aden", "raw_object:raw-1"}, e.InputRefs)
	assert.Equal(t, []model.Ref{"observation:obs-1", "observation:obs-2"}, e.OutputRefs)

	seal := runs.sealed["run-cby-aden"]
	assert.Equal(t, model.RunSuccess, seal.Status)
	require.NotNil(t, seal.RowsIngested)
	assert.Equal(t, int64(2), *seal.RowsIngested)
	assert.Empty(t, seal.Error)

	det.AssertExpectations(t)
}

func TestLoad_UnchangedValuesNeedNoEntry(t *testing.T) {
	runs, rec := &fakeRuns{}, &fakeRecorder{}
	obs := &fakeObs{existing: map[float64]string{101.5: "obs-old"}}
	det := &mockDetector{}
	pool := newTestPool(t)
	pool.ExpectBegin()
	pool.ExpectCommit()
	l := NewLoader(pool, runs, obs, rec, config.IngestConfig{}, WithDetector(det))

	res, err := l.Load(context.Background(), testBatch(row("aden", 101.5)))
	require.NoError(t, err)
	assert.NoError(t, pool.ExpectationsWereMet())

	assert.Equal(t, model.RunSuccess, res.Status)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Written)
	assert.Empty(t, rec.entries)
	det.AssertNotCalled(t, "DetectForObservations", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLoad_PartialAndFailed(t *testing.T) {
	runs, rec := &fakeRuns{}, &fakeRecorder{}
	obs := &fakeObs{rejectGeo: "nowhere"}
	pool := newTestPool(t)
	for range 2 {
		pool.ExpectBegin()
		pool.ExpectCommit()
	}
	l := NewLoader(pool, runs, obs, rec, config.IngestConfig{})

	bad := row("aden", 3)
	bad.Regime = "north"
	res, err := l.Load(context.Background(), testBatch(row("aden", 1), row("nowhere", 2), bad))
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 2, res.Rejected)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "row 1")
	assert.Contains(t, runs.sealed["run-cby-aden"].Error, "row 1")

	runs = &fakeRuns{}
	l = NewLoader(pool, runs, obs, rec, config.IngestConfig{})
	res, err = l.Load(context.Background(), testBatch(row("nowhere", 2)))
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.Equal(t, model.RunFailed, runs.sealed["run-cby-aden"].Status)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLoad_AbortSealsRunAsFailed(t *testing.T) {
	tests := []struct {
		name string
		runs *fakeRuns
		obs  *fakeObs
		rec  *fakeRecorder
		tx   bool
	}{
		{"raw object", &fakeRuns{rawErr: errors.New("bucket unavailable")}, &fakeObs{}, &fakeRecorder{}, false},
		{"store", &fakeRuns{}, &fakeObs{putErr: errors.New("connection reset")}, &fakeRecorder{}, true},
		{"ledger", &fakeRuns{}, &fakeObs{}, &fakeRecorder{err: errors.New("ledger down")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t)
			if tt.tx {
				pool.ExpectBegin()
				pool.ExpectRollback()
			}
			l := NewLoader(pool, tt.runs, tt.obs, tt.rec, config.IngestConfig{})
			res, err := l.Load(context.Background(), testBatch(row("aden", 1)))
			require.Error(t, err)
			require.NotNil(t, res)
			assert.Equal(t, model.RunFailed, res.Status)

			seal, ok := tt.runs.sealed["run-cby-aden"]
			require.True(t, ok)
			assert.Equal(t, model.RunFailed, seal.Status)
			assert.Equal(t, err.Error(), seal.Error)
			assert.NoError(t, pool.ExpectationsWereMet())
		})
	}
}

func TestLoad_LedgerFailureRollsBackObservations(t *testing.T) {
	runs, obs := &fakeRuns{}, &fakeObs{}
	rec := &fakeRecorder{err: errors.New("ledger down")}
	pool := newTestPool(t)
	pool.ExpectBegin()
	pool.ExpectRollback()
	l := NewLoader(pool, runs, obs, rec, config.IngestConfig{})

	res, err := l.Load(context.Background(), testBatch(row("aden", 1), row("sanaa", 2)))
	require.Error(t, err)
	assert.ErrorContains(t, err, "ledger down")

	// Both observations went through the batch transaction, which rolled back.
	assert.Equal(t, 2, obs.n)
	assert.Zero(t, obs.outsideTx)
	assert.NoError(t, pool.ExpectationsWereMet())

	assert.Zero(t, res.Written)
	assert.Empty(t, res.LedgerEntryID)
	seal := runs.sealed["run-cby-aden"]
	assert.Equal(t, model.RunFailed, seal.Status)
	assert.Nil(t, seal.RowsIngested)
	assert.Equal(t, 0, seal.Metrics["written"])
}

func TestLoad_Rejections(t *testing.T) {
	pool := newTestPool(t)
	l := NewLoader(pool, &fakeRuns{}, &fakeObs{}, &fakeRecorder{}, config.IngestConfig{})

	_, err := l.Load(context.Background(), Batch{})
	assert.ErrorContains(t, err, "invalid batch")

	runs := &fakeRuns{startErr: eris.Wrap(model.ErrInvalidStateTransition, "evidence: source inactive")}
	l = NewLoader(pool, runs, &fakeObs{}, &fakeRecorder{}, config.IngestConfig{})
	res, err := l.Load(context.Background(), testBatch(row("aden", 1)))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, model.ErrInvalidStateTransition))
	assert.Empty(t, runs.sealed)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestLoad_DetectionFailureKeepsRun(t *testing.T) {
	runs := &fakeRuns{}
	det := &mockDetector{}
	det.On("DetectForObservations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("groups unavailable"))
	pool := newTestPool(t)
	pool.ExpectBegin()
	pool.ExpectCommit()
	l := NewLoader(pool, runs, &fakeObs{}, &fakeRecorder{}, config.IngestConfig{}, WithDetector(det))

	res, err := l.Load(context.Background(), testBatch(row("aden", 1)))
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status)
	assert.Zero(t, res.Contradictions)
	det.AssertExpectations(t)
}

func TestLoadAll(t *testing.T) {
	runs := &fakeRuns{}
	obs := &fakeObs{rejectGeo: "nowhere"}
	pool := newTestPool(t)
	pool.MatchExpectationsInOrder(false)
	for range 3 {
		pool.ExpectBegin()
		pool.ExpectCommit()
	}
	l := NewLoader(pool, runs, obs, &fakeRecorder{}, config.IngestConfig{Concurrency: 2})

	a := testBatch(row("aden", 1))
	b := testBatch(row("sanaa", 2))
	b.SourceID = "imf"
	c := Batch{SourceID: "wfp", Raw: []Payload{{Kind: "json", Data: []byte("{}")}}, Rows: []Row{row("nowhere", 3)}}
	bad := Batch{}

	results, err := l.LoadAll(context.Background(), []Batch{a, b, c, bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 3")
	require.Len(t, results, 4)

	assert.Equal(t, model.RunSuccess, results[0].Status)
	assert.Equal(t, "run-imf", results[1].RunID)
	assert.Equal(t, model.RunFailed, results[2].Status)
	assert.Nil(t, results[3])
	assert.ElementsMatch(t, []string{"cby-aden", "imf", "wfp"}, runs.started)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestReadBatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rows":[
		{"indicator":"cpi","geo":"aden","regime":"aden","frequency":"monthly",
		 "obs_date":"2024-01-01","vintage_date":"2024-02-15","value":101.5}]}`), 0o644))
	rawPath := filepath.Join(dir, "bulletin.PDF")
	require.NoError(t, os.WriteFile(rawPath, []byte("%PDF-1.7"), 0o644))

	b, err := ReadBatchFile("cby-aden", path, rawPath)
	require.NoError(t, err)
	assert.Equal(t, "cby-aden", b.SourceID)
	require.Len(t, b.Rows, 1)
	assert.Equal(t, day("2024-02-15"), b.Rows[0].VintageDate)
	assert.Equal(t, 101.5, b.Rows[0].Value)
	require.Len(t, b.Raw, 2)
	assert.Equal(t, "batch+json", b.Raw[0].Kind)
	assert.Equal(t, "pdf", b.Raw[1].Kind)

	require.NoError(t, os.WriteFile(path, []byte(`{"rows":[{"obs_date":"01/02/2024"}]}`), 0o644))
	_, err = ReadBatchFile("cby-aden", path)
	assert.ErrorContains(t, err, "parse batch")
}
