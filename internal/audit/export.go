// Package audit writes the lineage of a reference into a standalone SQLite
// file that auditors can open without access to the evidence database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Tracer walks the ledger. *ledger.Ledger satisfies it.
type Tracer interface {
	TraceLineage(ctx context.Context, ref model.Ref) *ledger.Trace
}

// ObservationReader loads cited observations. *observation.Store satisfies it.
type ObservationReader interface {
	GetMany(ctx context.Context, ids []string) ([]model.Observation, error)
}

// EvidenceReader loads runs and raw object metadata. *evidence.Tracker satisfies it.
type EvidenceReader interface {
	GetRun(ctx context.Context, runID string) (*model.IngestionRun, error)
	GetRawObject(ctx context.Context, id string) (*model.RawObject, error)
}

// Summary counts what an export wrote.
type Summary struct {
	Root         model.Ref `json:"root"`
	Path         string    `json:"path"`
	Entries      int       `json:"entries"`
	Observations int       `json:"observations"`
	RawObjects   int       `json:"raw_objects"`
	Runs         int       `json:"runs"`
	Warnings     []string  `json:"warnings,omitempty"`
}

// Exporter builds lineage packs.
type Exporter struct {
	ledger   Tracer
	obs      ObservationReader
	evidence EvidenceReader
	now      func() time.Time
	log      *zap.Logger
}

// NewExporter creates an Exporter.
func NewExporter(t Tracer, obs ObservationReader, ev EvidenceReader) *Exporter {
	return &Exporter{
		ledger:   t,
		obs:      obs,
		evidence: ev,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "audit.export")),
	}
}

const schema = `
CREATE TABLE export_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE ledger_entries (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	walk_order   INTEGER NOT NULL,
	action       TEXT NOT NULL,
	input_refs   TEXT NOT NULL,
	output_refs  TEXT NOT NULL,
	formula      TEXT,
	parameters   TEXT,
	run_id       TEXT,
	agent_run_id TEXT,
	created_at   DATETIME NOT NULL
);

CREATE TABLE observations (
	id           TEXT PRIMARY KEY,
	series_id    TEXT NOT NULL,
	obs_date     DATE NOT NULL,
	vintage_date DATE NOT NULL,
	revision_no  INTEGER NOT NULL,
	value        REAL NOT NULL,
	source_id    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	recorded_at  DATETIME NOT NULL
);

CREATE TABLE raw_objects (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	content_hash     TEXT NOT NULL,
	storage_location TEXT NOT NULL,
	byte_size        INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	created_at       DATETIME NOT NULL
);

CREATE TABLE runs (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	ended_at    DATETIME,
	retry_count INTEGER NOT NULL,
	error       TEXT
);

CREATE TABLE warnings (
	message TEXT NOT NULL
);

CREATE INDEX idx_observations_series ON observations(series_id, obs_date);
CREATE INDEX idx_raw_objects_run ON raw_objects(run_id);
`

// pack is everything gathered before the file is written.
type pack struct {
	entries      []model.LedgerEntry
	observations []model.Observation
	raw          []model.RawObject
	runs         []model.IngestionRun
	warnings     []string
}

// Export writes the lineage of root to a new SQLite file at path. It refuses
// to overwrite an existing file. A failed export leaves no file behind.
func (e *Exporter) Export(ctx context.Context, root model.Ref, path string) (*Summary, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, eris.Errorf("audit: %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(err, "audit: stat %s", path)
	}

	p, err := e.gather(ctx, root)
	if err != nil {
		return nil, err
	}

	if err := e.write(ctx, root, path, p); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	sum := &Summary{
		Root:         root,
		Path:         path,
		Entries:      len(p.entries),
		Observations: len(p.observations),
		RawObjects:   len(p.raw),
		Runs:         len(p.runs),
		Warnings:     p.warnings,
	}
	e.log.Info("lineage exported",
		zap.String("root", string(root)),
		zap.String("path", path),
		zap.Int("entries", sum.Entries),
		zap.Int("observations", sum.Observations),
		zap.Int("warnings", len(sum.Warnings)),
	)
	return sum, nil
}

func (e *Exporter) gather(ctx context.Context, root model.Ref) (*pack, error) {
	trace := e.ledger.TraceLineage(ctx, root)
	p := &pack{}
	for entry := range trace.Entries() {
		p.entries = append(p.entries, entry)
	}
	if err := trace.Err(); err != nil {
		return nil, eris.Wrapf(err, "audit: trace %s", root)
	}
	for _, w := range trace.Warnings() {
		p.warnings = append(p.warnings, w.Error())
	}

	refs := []model.Ref{root}
	for _, entry := range p.entries {
		refs = append(refs, entry.InputRefs...)
		refs = append(refs, entry.OutputRefs...)
	}
	ids := idsByKind(refs)

	var err error
	if p.observations, err = e.obs.GetMany(ctx, ids[model.RefObservation]); err != nil {
		return nil, eris.Wrap(err, "audit: load observations")
	}

	runIDs := ids[model.RefRun]
	for _, id := range ids[model.RefRawObject] {
		raw, err := e.evidence.GetRawObject(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "audit: load raw object %s", id)
		}
		p.raw = append(p.raw, *raw)
		runIDs = append(runIDs, raw.RunID)
	}
	for _, o := range p.observations {
		runIDs = append(runIDs, o.RunID)
	}
	slices.Sort(runIDs)
	for _, id := range slices.Compact(runIDs) {
		run, err := e.evidence.GetRun(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "audit: load run %s", id)
		}
		p.runs = append(p.runs, *run)
	}
	return p, nil
}

// idsByKind groups the ids of refs by kind, sorted and without duplicates.
func idsByKind(refs []model.Ref) map[model.RefKind][]string {
	out := make(map[model.RefKind][]string)
	for _, r := range refs {
		kind, id, err := r.Parse()
		if err != nil {
			continue
		}
		out[kind] = append(out[kind], id)
	}
	for k, ids := range out {
		slices.Sort(ids)
		out[k] = slices.Compact(ids)
	}
	return out
}

func (e *Exporter) write(ctx context.Context, root model.Ref, path string, p *pack) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return eris.Wrap(err, "audit: open export")
	}
	defer db.Close() //nolint:errcheck

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return eris.Wrap(err, "audit: create schema")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "audit: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	meta := [][2]string{
		{"root", string(root)},
		{"exported_at", e.now().Format(time.RFC3339)},
		{"format_version", "1"},
	}
	for _, kv := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO export_meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return eris.Wrap(err, "audit: insert meta")
		}
	}

	for i, entry := range p.entries {
		inputs, _ := json.Marshal(model.RefStrings(entry.InputRefs))
		outputs, _ := json.Marshal(model.RefStrings(entry.OutputRefs))
		var params *string
		if len(entry.Parameters) > 0 {
			b, err := json.Marshal(entry.Parameters)
			if err != nil {
				return eris.Wrapf(err, "audit: marshal parameters of %s", entry.ID)
			}
			s := string(b)
			params = &s
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, seq, walk_order, action, input_refs, output_refs, formula, parameters, run_id, agent_run_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Seq, i, string(entry.Action), string(inputs), string(outputs),
			nullable(entry.Formula), params, nullable(entry.RunID), nullable(entry.AgentRunID), entry.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "audit: insert entry %s", entry.ID)
		}
	}

	for _, o := range p.observations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO observations (id, series_id, obs_date, vintage_date, revision_no, value, source_id, run_id, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.SeriesID, o.ObsDate.Format(time.DateOnly), o.VintageDate.Format(time.DateOnly),
			o.RevisionNo, o.Value, o.SourceID, o.RunID, o.RecordedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "audit: insert observation %s", o.ID)
		}
	}

	for _, r := range p.raw {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO raw_objects (id, run_id, content_hash, storage_location, byte_size, kind, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunID, r.ContentHash, r.StorageLocation, r.ByteSize, r.Kind, r.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "audit: insert raw object %s", r.ID)
		}
	}

	for _, r := range p.runs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, source_id, status, started_at, ended_at, retry_count, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SourceID, string(r.Status), r.StartedAt, r.EndedAt, r.RetryCount, nullable(r.Error),
		)
		if err != nil {
			return eris.Wrapf(err, "audit: insert run %s", r.ID)
		}
	}

	for _, w := range p.warnings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO warnings (message) VALUES (?)`, w); err != nil {
			return eris.Wrap(err, "audit: insert warning")
		}
	}

	return eris.Wrap(tx.Commit(), "audit: commit")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
