package approval

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/model"
)

// DefaultPolicy is applied to content types without a stored policy.
func DefaultPolicy(contentType string) model.ApprovalPolicy {
	return model.ApprovalPolicy{
		ContentType:         contentType,
		MinCitations:        1,
		MinEvidenceCoverage: 0.95,
		MaxSimilarityScore:  0.85,
		MaxVarianceFlag:     0.15,
	}
}

// Policies stores approval policies. The pipeline reads them and never writes.
type Policies struct {
	pool db.Pool
	now  func() time.Time
}

// NewPolicies creates a Policies repository.
func NewPolicies(pool db.Pool) *Policies {
	return &Policies{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const policyColumns = `content_type, min_citations, min_evidence_coverage, max_similarity_score,
	max_variance_flag, skippable_stages, allow_fail_override, updated_at`

func scanPolicy(row interface{ Scan(dest ...any) error }) (*model.ApprovalPolicy, error) {
	var p model.ApprovalPolicy
	var skippable []string
	if err := row.Scan(&p.ContentType, &p.MinCitations, &p.MinEvidenceCoverage, &p.MaxSimilarityScore,
		&p.MaxVarianceFlag, &skippable, &p.AllowFailOverride, &p.UpdatedAt); err != nil {
		return nil, err
	}
	for _, s := range skippable {
		p.SkippableStages = append(p.SkippableStages, model.Stage(s))
	}
	return &p, nil
}

// Get returns the policy for a content type, or DefaultPolicy when none is stored.
func (p *Policies) Get(ctx context.Context, contentType string) (model.ApprovalPolicy, error) {
	pol, err := scanPolicy(p.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM evidence.approval_policies WHERE content_type = $1`, contentType))
	if err != nil {
		if db.IsNoRows(err) {
			return DefaultPolicy(contentType), nil
		}
		return model.ApprovalPolicy{}, eris.Wrapf(err, "approval: policy for %s", contentType)
	}
	return *pol, nil
}

// List returns every stored policy.
func (p *Policies) List(ctx context.Context) ([]model.ApprovalPolicy, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM evidence.approval_policies ORDER BY content_type`)
	if err != nil {
		return nil, eris.Wrap(err, "approval: list policies")
	}
	defer rows.Close()

	var out []model.ApprovalPolicy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "approval: scan policy")
		}
		out = append(out, *pol)
	}
	return out, rows.Err()
}

// Put validates and upserts a policy.
func (p *Policies) Put(ctx context.Context, pol model.ApprovalPolicy) error {
	if err := CheckPolicy(pol); err != nil {
		return err
	}
	skippable := make([]string, len(pol.SkippableStages))
	for i, s := range pol.SkippableStages {
		skippable[i] = string(s)
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO evidence.approval_policies (`+policyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (content_type) DO UPDATE SET
		   min_citations = EXCLUDED.min_citations,
		   min_evidence_coverage = EXCLUDED.min_evidence_coverage,
		   max_similarity_score = EXCLUDED.max_similarity_score,
		   max_variance_flag = EXCLUDED.max_variance_flag,
		   skippable_stages = EXCLUDED.skippable_stages,
		   allow_fail_override = EXCLUDED.allow_fail_override,
		   updated_at = EXCLUDED.updated_at`,
		pol.ContentType, pol.MinCitations, pol.MinEvidenceCoverage, pol.MaxSimilarityScore,
		pol.MaxVarianceFlag, skippable, pol.AllowFailOverride, p.now())
	if err != nil {
		return eris.Wrapf(err, "approval: put policy %s", pol.ContentType)
	}
	return nil
}

// CheckPolicy reports the first out-of-range threshold. Final approval can
// never be skippable.
func CheckPolicy(pol model.ApprovalPolicy) error {
	switch {
	case pol.ContentType == "":
		return eris.New("approval: policy has no content_type")
	case pol.MinCitations < 0:
		return eris.Errorf("approval: %s: min_citations must be >= 0", pol.ContentType)
	case pol.MinEvidenceCoverage < 0 || pol.MinEvidenceCoverage > 1:
		return eris.Errorf("approval: %s: min_evidence_coverage must be in [0, 1]", pol.ContentType)
	case pol.MaxSimilarityScore < 0 || pol.MaxSimilarityScore > 1:
		return eris.Errorf("approval: %s: max_similarity_score must be in [0, 1]", pol.ContentType)
	case pol.MaxVarianceFlag <= 0:
		return eris.Errorf("approval: %s: max_variance_flag must be > 0", pol.ContentType)
	}
	for _, s := range pol.SkippableStages {
		if s.Index() < 0 {
			return eris.Errorf("approval: %s: unknown skippable stage %q", pol.ContentType, s)
		}
		if s == model.StageFinalApproval {
			return eris.Errorf("approval: %s: final_approval cannot be skippable", pol.ContentType)
		}
	}
	return nil
}

// LoadFile reads policies from a YAML file with a top-level policies list.
// Fields left out of an entry take their DefaultPolicy values.
func LoadFile(path string) ([]model.ApprovalPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "approval: read policies %s", path)
	}

	var raw struct {
		Policies []yaml.Node `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "approval: parse policies %s", path)
	}

	seen := make(map[string]bool, len(raw.Policies))
	out := make([]model.ApprovalPolicy, 0, len(raw.Policies))
	for i, node := range raw.Policies {
		var head struct {
			ContentType string `yaml:"content_type"`
		}
		if err := node.Decode(&head); err != nil {
			return nil, eris.Wrapf(err, "approval: policy %d", i)
		}
		pol := DefaultPolicy(head.ContentType)
		if err := node.Decode(&pol); err != nil {
			return nil, eris.Wrapf(err, "approval: policy %d", i)
		}
		if err := CheckPolicy(pol); err != nil {
			return nil, err
		}
		if seen[pol.ContentType] {
			return nil, eris.Errorf("approval: duplicate policy for %s", pol.ContentType)
		}
		seen[pol.ContentType] = true
		out = append(out, pol)
	}
	return out, nil
}
