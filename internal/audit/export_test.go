package audit

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
)

var exportTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeObservations struct{ got []string }

func (f *fakeObservations) GetMany(_ context.Context, ids []string) ([]model.Observation, error) {
	f.got = ids
	out := make([]model.Observation, len(ids))
	for i, id := range ids {
		out[i] = model.Observation{
			ID: id, SeriesID: "s1", ObsDate: exportTime, VintageDate: exportTime,
			Value: 101.5, SourceID: "cby-aden", RunID: "r1", RecordedAt: exportTime,
		}
	}
	return out, nil
}

type fakeEvidence struct{ missing string }

func (f *fakeEvidence) GetRun(_ context.Context, id string) (*model.IngestionRun, error) {
	ended := exportTime
	return &model.IngestionRun{ID: id, SourceID: "cby-aden", Status: model.RunSuccess, StartedAt: exportTime, EndedAt: &ended}, nil
}

func (f *fakeEvidence) GetRawObject(_ context.Context, id string) (*model.RawObject, error) {
	if id == f.missing {
		return nil, model.ErrNotFound
	}
	return &model.RawObject{ID: id, RunID: "r1", ContentHash: "abc", StorageLocation: "file:///raw/abc", ByteSize: 42, Kind: "csv", CreatedAt: exportTime}, nil
}

func entryRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"seq", "id", "action", "input_refs", "output_refs", "formula", "parameters", "run_id", "agent_run_id", "created_at"})
}

// expectIngestLineage queues the producer lookups of a walk from observation:o1
// back to one INGEST entry.
func expectIngestLineage(mock pgxmock.PgxPoolIface) {
	mock.MatchExpectationsInOrder(false)
	runID := "r1"
	mock.ExpectQuery(`WHERE output_refs && \$1::text\[\]`).
		WithArgs([]string{"observation:o1"}).
		WillReturnRows(entryRows().AddRow(int64(1), "e1", "ingest",
			[]string{"run:r1", "raw_object:raw1"}, []string{"observation:o1", "observation:o2"},
			(*string)(nil), []byte(`{"rows":2}`), &runID, (*string)(nil), exportTime))
	mock.ExpectQuery(`WHERE output_refs && \$1::text\[\]`).
		WithArgs([]string{"run:r1"}).
		WillReturnRows(entryRows())
	mock.ExpectQuery(`WHERE output_refs && \$1::text\[\]`).
		WithArgs([]string{"raw_object:raw1"}).
		WillReturnRows(entryRows())
}

func newTestExporter(t *testing.T, ev *fakeEvidence) (*Exporter, pgxmock.PgxPoolIface, *fakeObservations) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	obs := &fakeObservations{}
	e := NewExporter(ledger.New(mock), obs, ev)
	e.now = func() time.Time { return exportTime }
	return e, mock, obs
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestExport(t *testing.T) {
	e, mock, obs := newTestExporter(t, &fakeEvidence{})
	expectIngestLineage(mock)
	path := filepath.Join(t.TempDir(), "lineage.db")

	sum, err := e.Export(context.Background(), "observation:o1", path)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Entries)
	assert.Equal(t, 2, sum.Observations)
	assert.Equal(t, 1, sum.RawObjects)
	assert.Equal(t, 1, sum.Runs)
	assert.Empty(t, sum.Warnings)
	assert.Equal(t, []string{"o1", "o2"}, obs.got)
	assert.NoError(t, mock.ExpectationsWereMet())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	assert.Equal(t, 1, count(t, db, "ledger_entries"))
	assert.Equal(t, 2, count(t, db, "observations"))
	assert.Equal(t, 1, count(t, db, "raw_objects"))
	assert.Equal(t, 1, count(t, db, "runs"))

	var root, inputs, params string
	require.NoError(t, db.QueryRow(`SELECT value FROM export_meta WHERE key = 'root'`).Scan(&root))
	assert.Equal(t, "observation:o1", root)
	require.NoError(t, db.QueryRow(`SELECT input_refs, parameters FROM ledger_entries WHERE id = 'e1'`).Scan(&inputs, &params))
	assert.JSONEq(t, `["run:r1","raw_object:raw1"]`, inputs)
	assert.JSONEq(t, `{"rows":2}`, params)
}

func TestExport_RefusesExistingFile(t *testing.T) {
	e, _, _ := newTestExporter(t, &fakeEvidence{})
	path := filepath.Join(t.TempDir(), "lineage.db")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))

	_, err := e.Export(context.Background(), "observation:o1", path)
	assert.ErrorContains(t, err, "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestExport_FailureLeavesNoFile(t *testing.T) {
	e, mock, _ := newTestExporter(t, &fakeEvidence{missing: "raw1"})
	expectIngestLineage(mock)
	path := filepath.Join(t.TempDir(), "lineage.db")

	_, err := e.Export(context.Background(), "observation:o1", path)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	_, err = e.Export(context.Background(), "observation", path)
	assert.True(t, errors.Is(err, model.ErrInvalidReference))
}
