package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/model"
)

// fakeGraph answers producer lookups from an in-memory entry list.
type fakeGraph struct {
	entries []model.LedgerEntry
	lookups int
	err     error
}

func (g *fakeGraph) producers(_ context.Context, ref model.Ref) ([]model.LedgerEntry, error) {
	g.lookups++
	if g.err != nil {
		return nil, g.err
	}
	var out []model.LedgerEntry
	for _, e := range g.entries {
		for _, o := range e.OutputRefs {
			if o == ref {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func entry(id string, action model.Action, inputs []model.Ref, outputs ...model.Ref) model.LedgerEntry {
	return model.LedgerEntry{ID: id, Action: action, InputRefs: inputs, OutputRefs: outputs}
}

func ids(entries []model.LedgerEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func publishedGraph() *fakeGraph {
	return &fakeGraph{entries: []model.LedgerEntry{
		entry("ingest-cby", model.ActionIngest, []model.Ref{"run:r1", "raw_object:raw1"}, "observation:o1"),
		entry("ingest-wfp", model.ActionIngest, []model.Ref{"run:r2"}, "observation:o2"),
		entry("validate-evidence", model.ActionValidate, []model.Ref{"document:d1", "observation:o1", "observation:o2"}, "agent_run:a1"),
		entry("publish", model.ActionPublish,
			[]model.Ref{"agent_run:a1", "observation:o1", "observation:o2", "document:d1"}, "content:c1"),
	}}
}

func TestTrace_PublishedContent(t *testing.T) {
	g := publishedGraph()
	tr := newTrace(context.Background(), "content:c1", g.producers, nil)

	got, err := tr.All()
	require.NoError(t, err)
	assert.Equal(t, []string{"publish", "validate-evidence", "ingest-cby", "ingest-wfp"}, ids(got))
	assert.Empty(t, tr.Warnings())

	ingests := 0
	for _, e := range got {
		if e.Action == model.ActionIngest {
			ingests++
		}
	}
	assert.Equal(t, 2, ingests)
}

func TestTrace_RewalksOnEachCall(t *testing.T) {
	g := publishedGraph()
	tr := newTrace(context.Background(), "content:c1", g.producers, nil)

	first, _ := tr.All()
	second, _ := tr.All()
	assert.Equal(t, ids(first), ids(second))
}

func TestTrace_CycleTerminates(t *testing.T) {
	g := &fakeGraph{entries: []model.LedgerEntry{
		entry("a", model.ActionTransform, []model.Ref{"series:y"}, "series:x"),
		entry("b", model.ActionTransform, []model.Ref{"series:x"}, "series:y"),
	}}
	tr := newTrace(context.Background(), "series:x", g.producers, nil)

	got, err := tr.All()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))
	require.Len(t, tr.Warnings(), 1)
	assert.True(t, errors.Is(tr.Warnings()[0], model.ErrLineageCycleDetected))
}

func TestTrace_SelfReference(t *testing.T) {
	g := &fakeGraph{entries: []model.LedgerEntry{
		entry("self", model.ActionDerive, []model.Ref{"series:x"}, "series:x"),
	}}
	tr := newTrace(context.Background(), "series:x", g.producers, nil)

	got, err := tr.All()
	require.NoError(t, err)
	assert.Equal(t, []string{"self"}, ids(got))
	assert.Len(t, tr.Warnings(), 1)
}

func TestTrace_DiamondIsNotACycle(t *testing.T) {
	g := &fakeGraph{entries: []model.LedgerEntry{
		entry("root", model.ActionIngest, []model.Ref{"run:r"}, "observation:o"),
		entry("left", model.ActionTransform, []model.Ref{"observation:o"}, "series:l"),
		entry("right", model.ActionTransform, []model.Ref{"observation:o"}, "series:r"),
		entry("top", model.ActionAggregate, []model.Ref{"series:l", "series:r"}, "series:t"),
	}}
	tr := newTrace(context.Background(), "series:t", g.producers, nil)

	got, err := tr.All()
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "left", "root", "right"}, ids(got))
	assert.Empty(t, tr.Warnings())
}

func TestTrace_EarlyStop(t *testing.T) {
	g := publishedGraph()
	tr := newTrace(context.Background(), "content:c1", g.producers, nil)

	var seen []string
	for e := range tr.Entries() {
		seen = append(seen, e.ID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"publish", "validate-evidence"}, seen)
	assert.NoError(t, tr.Err())
}

func TestTrace_Errors(t *testing.T) {
	g := &fakeGraph{err: errors.New("connection refused")}
	tr := newTrace(context.Background(), "content:c1", g.producers, nil)
	_, err := tr.All()
	assert.ErrorContains(t, err, "connection refused")

	tr = newTrace(context.Background(), "bogus", (&fakeGraph{}).producers, nil)
	_, err = tr.All()
	assert.True(t, errors.Is(err, model.ErrInvalidReference))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr = newTrace(ctx, "content:c1", publishedGraph().producers, nil)
	_, err = tr.All()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTraceLineage_SQL(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery(`WHERE output_refs && \$1::text\[\]\s+ORDER BY seq DESC`).
		WithArgs([]string{"observation:o1"}).
		WillReturnRows(entryRows().AddRow(int64(1), "e1", "ingest", []string{"run:r1"}, []string{"observation:o1"},
			(*string)(nil), []byte(nil), (*string)(nil), (*string)(nil), createdAt))
	mock.ExpectQuery(`WHERE output_refs && \$1::text\[\]`).
		WithArgs([]string{"run:r1"}).
		WillReturnRows(entryRows())

	got, err := l.TraceLineage(context.Background(), "observation:o1").All()
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(got))
	assert.NoError(t, mock.ExpectationsWereMet())

}
