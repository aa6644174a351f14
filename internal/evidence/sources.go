package evidence

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Sources manages the source registry. Sources are never deleted.
type Sources struct {
	pool db.Pool
	now  func() time.Time
}

// NewSources creates a Sources repository.
func NewSources(pool db.Pool) *Sources {
	return &Sources{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Register inserts sources or refreshes their name, cadence and URL. Tier and
// status of an existing source change only through SetTier and SetStatus.
func (s *Sources) Register(ctx context.Context, srcs []model.Source) (int64, error) {
	now := s.now()
	rows := make([][]any, 0, len(srcs))
	for _, src := range srcs {
		if src.ID == "" {
			return 0, eris.New("evidence: source id is required")
		}
		tier, err := model.ParseTier(string(src.Tier))
		if err != nil {
			return 0, eris.Wrapf(err, "evidence: source %s", src.ID)
		}
		cadence, err := model.ParseCadence(string(src.Cadence))
		if err != nil {
			return 0, eris.Wrapf(err, "evidence: source %s", src.ID)
		}
		status := src.Status
		if status == "" {
			status = model.SourceActive
		}
		if status != model.SourceActive && status != model.SourceInactive {
			return 0, eris.Errorf("evidence: source %s: unknown status %q", src.ID, status)
		}
		rows = append(rows, []any{src.ID, src.Name, string(tier), string(status), string(cadence), src.URL, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "evidence.sources",
		Columns:      []string{"id", "name", "tier", "status", "cadence", "url", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"name", "cadence", "url", "updated_at"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "evidence: register sources")
	}
	return n, nil
}

// SetTier changes a source's reliability tier.
func (s *Sources) SetTier(ctx context.Context, id string, tier model.Tier) error {
	if _, err := model.ParseTier(string(tier)); err != nil {
		return err
	}
	return s.update(ctx, id, `UPDATE evidence.sources SET tier = $2, updated_at = $3 WHERE id = $1`, string(tier))
}

// SetStatus activates or deactivates a source.
func (s *Sources) SetStatus(ctx context.Context, id string, status model.SourceStatus) error {
	if status != model.SourceActive && status != model.SourceInactive {
		return eris.Errorf("evidence: unknown source status %q", status)
	}
	return s.update(ctx, id, `UPDATE evidence.sources SET status = $2, updated_at = $3 WHERE id = $1`, string(status))
}

func (s *Sources) update(ctx context.Context, id, sql, value string) error {
	tag, err := s.pool.Exec(ctx, sql, id, value, s.now())
	if err != nil {
		return eris.Wrapf(err, "evidence: update source %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "evidence: source %s", id)
	}
	return nil
}

const sourceColumns = `id, name, tier, status, cadence, url, created_at, updated_at`

func scanSource(row interface{ Scan(dest ...any) error }) (*model.Source, error) {
	var src model.Source
	var tier, status, cadence string
	if err := row.Scan(&src.ID, &src.Name, &tier, &status, &cadence, &src.URL, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	src.Tier = model.Tier(tier)
	src.Status = model.SourceStatus(status)
	src.Cadence = model.Cadence(cadence)
	return &src, nil
}

// Get returns one source.
func (s *Sources) Get(ctx context.Context, id string) (*model.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM evidence.sources WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "evidence: source %s", id)
		}
		return nil, eris.Wrapf(err, "evidence: get source %s", id)
	}
	return src, nil
}

// List returns sources ordered by id.
func (s *Sources) List(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM evidence.sources
		 WHERE NOT $1 OR status = 'active' ORDER BY id`, activeOnly)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "evidence: scan source")
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

// DueSource is an active source whose cadence calls for a new run.
type DueSource struct {
	Source      model.Source `json:"source"`
	LastSuccess *time.Time   `json:"last_success,omitempty"`
}

// Due returns active sources due for a new cycle at now. The tracker starts
// nothing on its own; an external scheduler acts on the result.
func (s *Sources) Due(ctx context.Context, now time.Time) ([]DueSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.name, s.tier, s.status, s.cadence, s.url, s.created_at, s.updated_at,
		        (SELECT MAX(r.started_at) FROM evidence.ingestion_runs r
		         WHERE r.source_id = s.id AND r.status = 'success')
		 FROM evidence.sources s
		 WHERE s.status = 'active'
		 ORDER BY s.id`)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: due sources")
	}
	defer rows.Close()

	var out []DueSource
	for rows.Next() {
		var d DueSource
		var tier, status, cadence string
		if err := rows.Scan(&d.Source.ID, &d.Source.Name, &tier, &status, &cadence, &d.Source.URL,
			&d.Source.CreatedAt, &d.Source.UpdatedAt, &d.LastSuccess); err != nil {
			return nil, eris.Wrap(err, "evidence: scan due source")
		}
		d.Source.Tier = model.Tier(tier)
		d.Source.Status = model.SourceStatus(status)
		d.Source.Cadence = model.Cadence(cadence)
		if IsDue(d.Source.Cadence, now, d.LastSuccess) {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}
