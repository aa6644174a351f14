// Package ledger is the append-only provenance ledger. Every transformation
// from raw evidence to published content is one entry naming its input and
// output references; lineage is recovered by walking entries backward from an
// output.
package ledger

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
)

// refTables maps reference kinds to the tables their ids live in. Document
// references point outside the engine and are checked for syntax only.
var refTables = map[model.RefKind]string{
	model.RefSource:        "evidence.sources",
	model.RefRun:           "evidence.ingestion_runs",
	model.RefRawObject:     "evidence.raw_objects",
	model.RefSeries:        "evidence.series",
	model.RefObservation:   "evidence.observations",
	model.RefLedgerEntry:   "evidence.ledger_entries",
	model.RefContradiction: "evidence.contradictions",
	model.RefResolution:    "evidence.contradiction_resolutions",
	model.RefContent:       "evidence.content_items",
	model.RefAgentRun:      "evidence.agent_runs",
}

// Ledger appends and reads provenance entries.
type Ledger struct {
	pool db.Pool
	log  *zap.Logger
}

// New creates a Ledger.
func New(pool db.Pool) *Ledger {
	return &Ledger{
		pool: pool,
		log:  zap.L().With(zap.String("component", "ledger")),
	}
}

// Record validates and appends one entry.
func (l *Ledger) Record(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, error) {
	return l.Append(ctx, l.pool, e)
}

// Append validates and appends e through q. Pass a transaction to make the
// entry commit or roll back with the writes it describes.
func (l *Ledger) Append(ctx context.Context, q db.Querier, e model.LedgerEntry) (*model.LedgerEntry, error) {
	if err := Validate(ctx, q, e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var params []byte
	if len(e.Parameters) > 0 {
		var err error
		params, err = json.Marshal(e.Parameters)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: marshal parameters")
		}
	}

	err := q.QueryRow(ctx,
		`INSERT INTO evidence.ledger_entries
		   (id, action, input_refs, output_refs, formula, parameters, run_id, agent_run_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq, created_at`,
		e.ID, string(e.Action), model.RefStrings(e.InputRefs), model.RefStrings(e.OutputRefs),
		nullable(e.Formula), params, nullable(e.RunID), nullable(e.AgentRunID),
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return nil, eris.Wrapf(model.ErrInvalidReference, "ledger: run %q or agent run %q", e.RunID, e.AgentRunID)
		}
		return nil, eris.Wrap(err, "ledger: insert entry")
	}

	metrics.RecordLedgerAppend(string(e.Action))
	l.log.Debug("ledger entry appended",
		zap.String("id", e.ID),
		zap.Int64("seq", e.Seq),
		zap.String("action", string(e.Action)),
		zap.Int("inputs", len(e.InputRefs)),
		zap.Int("outputs", len(e.OutputRefs)),
	)
	return &e, nil
}

// Validate checks that an entry is well formed and that every reference it
// names exists. Unknown ids fail with model.ErrInvalidReference.
func Validate(ctx context.Context, q db.Querier, e model.LedgerEntry) error {
	if _, err := model.ParseAction(string(e.Action)); err != nil {
		return eris.Wrap(err, "ledger: validate")
	}
	if len(e.OutputRefs) == 0 {
		return eris.Wrap(model.ErrInvalidReference, "ledger: entry has no output references")
	}

	byKind := make(map[model.RefKind][]string)
	for _, r := range slices.Concat(e.InputRefs, e.OutputRefs) {
		kind, id, err := r.Parse()
		if err != nil {
			return eris.Wrap(err, "ledger: validate")
		}
		if kind == model.RefDocument {
			continue
		}
		if !slices.Contains(byKind[kind], id) {
			byKind[kind] = append(byKind[kind], id)
		}
	}

	kinds := make([]model.RefKind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	for _, kind := range kinds {
		ids := byKind[kind]
		missing, err := missingIDs(ctx, q, refTables[kind], ids)
		if err != nil {
			return eris.Wrapf(err, "ledger: check %s references", kind)
		}
		if len(missing) > 0 {
			return eris.Wrapf(model.ErrInvalidReference, "ledger: unknown %s ids %v", kind, missing)
		}
	}
	return nil
}

func missingIDs(ctx context.Context, q db.Querier, table string, ids []string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT id FROM `+table+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const entryColumns = `seq, id, action, input_refs, output_refs, formula, parameters, run_id, agent_run_id, created_at`

func scanEntry(row interface{ Scan(dest ...any) error }) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var action string
	var inputs, outputs []string
	var formula, runID, agentRunID *string
	var params []byte
	if err := row.Scan(&e.Seq, &e.ID, &action, &inputs, &outputs, &formula, &params, &runID, &agentRunID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Action = model.Action(action)
	e.InputRefs = model.ToRefs(inputs)
	e.OutputRefs = model.ToRefs(outputs)
	if formula != nil {
		e.Formula = *formula
	}
	if runID != nil {
		e.RunID = *runID
	}
	if agentRunID != nil {
		e.AgentRunID = *agentRunID
	}
	if params != nil {
		if err := json.Unmarshal(params, &e.Parameters); err != nil {
			return nil, eris.Wrapf(err, "ledger: decode parameters of %s", e.ID)
		}
	}
	return &e, nil
}

func (l *Ledger) queryEntries(ctx context.Context, sql string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM evidence.ledger_entries WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "ledger: entry %s", id)
		}
		return nil, eris.Wrapf(err, "ledger: get entry %s", id)
	}
	return e, nil
}

// Touching returns every entry naming ref as an input or output, in append order.
func (l *Ledger) Touching(ctx context.Context, ref model.Ref) ([]model.LedgerEntry, error) {
	out, err := l.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM evidence.ledger_entries
		 WHERE input_refs && $1::text[] OR output_refs && $1::text[]
		 ORDER BY seq`,
		[]string{string(ref)})
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: entries touching %s", ref)
	}
	return out, nil
}

// Since returns entries appended after seq, oldest first, at most limit.
func (l *Ledger) Since(ctx context.Context, seq int64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := l.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM evidence.ledger_entries WHERE seq > $1 ORDER BY seq LIMIT $2`,
		seq, limit)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: entries since")
	}
	return out, nil
}

// producers returns the entries that list ref among their outputs, newest first.
func (l *Ledger) producers(ctx context.Context, ref model.Ref) ([]model.LedgerEntry, error) {
	out, err := l.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM evidence.ledger_entries
		 WHERE output_refs && $1::text[]
		 ORDER BY seq DESC`,
		[]string{string(ref)})
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: producers of %s", ref)
	}
	return out, nil
}
