package contradiction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/events"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
)

var resolvedAt = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T) (*Resolver, pgxmock.PgxPoolIface, *events.Recorder) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	rec := &events.Recorder{}
	r := NewResolver(mock, ledger.New(mock),
		WithResolverClock(func() time.Time { return resolvedAt }),
		WithResolverPublisher(rec))
	r.newID = func() string { return "res-1" }
	return r, mock, rec
}

func expectLock(mock pgxmock.PgxPoolIface, status string, cycle int) {
	mock.ExpectQuery(`SELECT status, cycle FROM evidence.contradictions WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "cycle"}).AddRow(status, cycle))
}

func TestDismiss(t *testing.T) {
	r, mock, rec := newTestResolver(t)

	mock.ExpectBegin()
	expectLock(mock, "open", 2)
	mock.ExpectExec(`UPDATE evidence.contradictions SET status = \$2`).
		WithArgs("c1", "dismissed", resolvedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO evidence.contradiction_resolutions`).
		WithArgs("res-1", "c1", 2, "dismissed", "known methodology gap", "steward", resolvedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT id FROM evidence.contradictions WHERE id = ANY`).
		WithArgs([]string{"c1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery(`SELECT id FROM evidence.contradiction_resolutions WHERE id = ANY`).
		WithArgs([]string{"res-1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("res-1"))
	mock.ExpectQuery(`INSERT INTO evidence.ledger_entries`).
		WithArgs(pgxmock.AnyArg(), "validate", []string{"contradiction:c1"}, []string{"resolution:res-1"},
			(*string)(nil), pgxmock.AnyArg(), (*string)(nil), (*string)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(9), resolvedAt))
	mock.ExpectCommit()

	res, err := r.Dismiss(context.Background(), "c1", "known methodology gap", "steward")
	require.NoError(t, err)
	assert.Equal(t, "res-1", res.ID)
	assert.Equal(t, 2, res.Cycle)
	assert.Equal(t, model.ContradictionDismissed, res.Outcome)
	assert.Equal(t, []events.Type{events.ContradictionDismissed}, rec.Types())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_AlreadyClosed(t *testing.T) {
	for _, status := range []string{"resolved", "dismissed"} {
		t.Run(status, func(t *testing.T) {
			r, mock, _ := newTestResolver(t)
			mock.ExpectBegin()
			expectLock(mock, status, 0)
			mock.ExpectRollback()

			_, err := r.Resolve(context.Background(), "c1", "again", "analyst")
			assert.True(t, errors.Is(err, model.ErrInvalidStateTransition))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	r, mock, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "c1", "text", " ")
	assert.ErrorContains(t, err, "resolved_by is required")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("c9").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	_, err = r.Resolve(context.Background(), "c9", "text", "analyst")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectReopen(mock pgxmock.PgxPoolIface, inputs, outputs pgxmock.Argument) {
	mock.ExpectBegin()
	expectLock(mock, "resolved", 0)
	mock.ExpectQuery(`SELECT id FROM evidence.contradiction_resolutions WHERE contradiction_id = \$1 AND cycle = \$2`).
		WithArgs("c1", 0).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("res-0"))
	mock.ExpectQuery(`UPDATE evidence.contradictions SET status = 'open', cycle = cycle \+ 1`).
		WithArgs("c1", resolvedAt).
		WillReturnRows(contradictionRows().AddRow("c1", "fx_rate", "YE", jan1, []string{"o1", "o2"}, []string{"s1", "s2"},
			"fp", 0.4, 0.15, "detector", "open", 1, detectedAt, resolvedAt))
	mock.ExpectQuery(`SELECT id FROM evidence.contradictions WHERE id = ANY`).
		WithArgs([]string{"c1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery(`SELECT id FROM evidence.observations WHERE id = ANY`).
		WithArgs([]string{"o1", "o2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("o1").AddRow("o2"))
	mock.ExpectQuery(`INSERT INTO evidence.ledger_entries`).
		WithArgs(pgxmock.AnyArg(), "validate", inputs, outputs,
			(*string)(nil), pgxmock.AnyArg(), (*string)(nil), (*string)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(10), resolvedAt))
	mock.ExpectCommit()
}

// refsArg matches a text[] reference argument and keeps it.
type refsArg struct {
	want []string
	got  *[]string
}

func (a refsArg) Match(v any) bool {
	ss, ok := v.([]string)
	if !ok {
		return false
	}
	if a.got != nil {
		*a.got = ss
	}
	return a.want == nil || assert.ObjectsAreEqual(a.want, ss)
}

func TestReopen(t *testing.T) {
	r, mock, rec := newTestResolver(t)
	expectReopen(mock,
		refsArg{want: []string{"observation:o1", "observation:o2"}},
		refsArg{want: []string{"contradiction:c1"}})

	c, err := r.Reopen(context.Background(), "c1", "new vintage from CBY Sanaa", "steward")
	require.NoError(t, err)
	assert.Equal(t, model.ContradictionOpen, c.Status)
	assert.Equal(t, 1, c.Cycle)
	assert.Equal(t, []events.Type{events.ContradictionReopened}, rec.Types())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func entryRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"seq", "id", "action", "input_refs", "output_refs", "formula", "parameters", "run_id", "agent_run_id", "created_at"})
}

func addEntry(rows *pgxmock.Rows, seq int64, id string, inputs, outputs []string) *pgxmock.Rows {
	return rows.AddRow(seq, id, "validate", inputs, outputs, (*string)(nil), []byte(nil), (*string)(nil), (*string)(nil), resolvedAt)
}

func TestReopen_LineageHasNoCycle(t *testing.T) {
	r, mock, _ := newTestResolver(t)
	var inputs, outputs []string
	expectReopen(mock, refsArg{got: &inputs}, refsArg{got: &outputs})

	_, err := r.Reopen(context.Background(), "c1", "new vintage", "steward")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// Walk back from the first cycle's resolution across the entries the
	// contradiction's history leaves behind: detection, close, reopen.
	detectIn := []string{"observation:o1", "observation:o2"}
	producers := `FROM evidence.ledger_entries\s+WHERE output_refs && \$1::text\[\]`
	mock.ExpectQuery(producers).WithArgs([]string{"resolution:res-0"}).
		WillReturnRows(addEntry(entryRows(), 9, "close", []string{"contradiction:c1"}, []string{"resolution:res-0"}))
	mock.ExpectQuery(producers).WithArgs([]string{"contradiction:c1"}).
		WillReturnRows(addEntry(addEntry(entryRows(), 10, "reopen", inputs, outputs), 1, "detect", detectIn, []string{"contradiction:c1"}))
	for range 2 {
		mock.ExpectQuery(producers).WithArgs([]string{"observation:o1"}).WillReturnRows(entryRows())
		mock.ExpectQuery(producers).WithArgs([]string{"observation:o2"}).WillReturnRows(entryRows())
	}

	tr := r.ledger.TraceLineage(context.Background(), model.NewRef(model.RefResolution, "res-0"))
	got, err := tr.All()
	require.NoError(t, err)
	assert.Empty(t, tr.Warnings())
	require.Len(t, got, 3)
	assert.Equal(t, "close", got[0].ID)
	assert.Equal(t, "reopen", got[1].ID)
	assert.Equal(t, "detect", got[2].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReopen_AlreadyOpen(t *testing.T) {
	r, mock, _ := newTestResolver(t)
	mock.ExpectBegin()
	expectLock(mock, "open", 1)
	mock.ExpectRollback()

	_, err := r.Reopen(context.Background(), "c1", "", "steward")
	assert.True(t, errors.Is(err, model.ErrInvalidStateTransition))
}

func TestResolve(t *testing.T) {
	r, mock, rec := newTestResolver(t)

	mock.ExpectBegin()
	expectLock(mock, "open", 0)
	mock.ExpectExec(`UPDATE evidence.contradictions SET status = \$2`).
		WithArgs("c1", "resolved", resolvedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO evidence.contradiction_resolutions`).
		WithArgs("res-1", "c1", 0, "resolved", "Aden series uses the parallel market rate", "analyst", resolvedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT id FROM evidence.contradictions WHERE id = ANY`).
		WithArgs([]string{"c1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery(`SELECT id FROM evidence.contradiction_resolutions WHERE id = ANY`).
		WithArgs([]string{"res-1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("res-1"))
	mock.ExpectQuery(`INSERT INTO evidence.ledger_entries`).
		WithArgs(pgxmock.AnyArg(), "validate", []string{"contradiction:c1"}, []string{"resolution:res-1"},
			(*string)(nil), pgxmock.AnyArg(), (*string)(nil), (*string)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(4), resolvedAt))
	mock.ExpectCommit()

	res, err := r.Resolve(context.Background(), "c1", "Aden series uses the parallel market rate", "analyst")
	require.NoError(t, err)
	assert.Equal(t, model.ContradictionResolved, res.Outcome)
	assert.Equal(t, []events.Type{events.ContradictionResolved}, rec.Types())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_DuplicateCycle(t *testing.T) {
	r, mock, _ := newTestResolver(t)

	mock.ExpectBegin()
	expectLock(mock, "open", 0)
	mock.ExpectExec(`UPDATE evidence.contradictions`).
		WithArgs("c1", "resolved", resolvedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO evidence.contradiction_resolutions`).
		WithArgs("res-1", "c1", 0, "resolved", "racing", "analyst", resolvedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := r.Resolve(context.Background(), "c1", "racing", "analyst")
	assert.True(t, errors.Is(err, model.ErrInvalidStateTransition))
}
