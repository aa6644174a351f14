package approval

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/model"
)

// NewItem describes a draft to create.
type NewItem struct {
	ContentType string           `json:"content_type" validate:"required"`
	TitleEN     string           `json:"title_en"`
	TitleAR     string           `json:"title_ar"`
	BodyEN      string           `json:"body_en"`
	BodyAR      string           `json:"body_ar"`
	Visibility  model.Visibility `json:"visibility" validate:"omitempty,oneof=public subscribers internal"`
}

// Claim is one claim with its citations, as supplied to AddEvidence.
type Claim struct {
	ClaimText string           `json:"claim_text" validate:"required"`
	Citations []model.Citation `json:"citations"`
}

// Content stores content items, their evidence claims and uniqueness checks.
type Content struct {
	pool db.Pool
	now  func() time.Time
	log  *zap.Logger
}

// NewContent creates a Content repository.
func NewContent(pool db.Pool) *Content {
	return &Content{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
		log:  zap.L().With(zap.String("component", "approval.content")),
	}
}

const itemColumns = `id, content_type, title_en, title_ar, body_en, body_ar, status, visibility,
	review_version, created_at, updated_at, submitted_at, published_at`

func scanItem(row interface{ Scan(dest ...any) error }) (*model.ContentItem, error) {
	var it model.ContentItem
	var status, visibility string
	if err := row.Scan(&it.ID, &it.ContentType, &it.TitleEN, &it.TitleAR, &it.BodyEN, &it.BodyAR, &status, &visibility,
		&it.ReviewVersion, &it.CreatedAt, &it.UpdatedAt, &it.SubmittedAt, &it.PublishedAt); err != nil {
		return nil, err
	}
	it.Status = model.ContentStatus(status)
	it.Visibility = model.Visibility(visibility)
	return &it, nil
}

// Create inserts a draft.
func (c *Content) Create(ctx context.Context, n NewItem) (*model.ContentItem, error) {
	if strings.TrimSpace(n.ContentType) == "" {
		return nil, eris.New("approval: content_type is required")
	}
	vis := n.Visibility
	if vis == "" {
		vis = model.VisibilityPublic
	}

	now := c.now()
	it, err := scanItem(c.pool.QueryRow(ctx,
		`INSERT INTO evidence.content_items
		   (id, content_type, title_en, title_ar, body_en, body_ar, status, visibility, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'draft', $7, $8, $8)
		 RETURNING `+itemColumns,
		uuid.NewString(), n.ContentType, n.TitleEN, n.TitleAR, n.BodyEN, n.BodyAR, string(vis), now))
	if err != nil {
		return nil, eris.Wrap(err, "approval: create content item")
	}
	c.log.Info("content item created", zap.String("content_item_id", it.ID), zap.String("content_type", it.ContentType))
	return it, nil
}

// Get returns one content item.
func (c *Content) Get(ctx context.Context, id string) (*model.ContentItem, error) {
	return getItem(ctx, c.pool, id)
}

func getItem(ctx context.Context, q db.Querier, id string) (*model.ContentItem, error) {
	it, err := scanItem(q.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM evidence.content_items WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "approval: content item %s", id)
		}
		return nil, eris.Wrapf(err, "approval: get content item %s", id)
	}
	return it, nil
}

// AddEvidence appends claims to a draft and returns how many were written.
// Claims of items already submitted are frozen.
func (c *Content) AddEvidence(ctx context.Context, itemID string, claims []Claim) (int64, error) {
	if len(claims) == 0 {
		return 0, nil
	}
	for i, cl := range claims {
		if strings.TrimSpace(cl.ClaimText) == "" {
			return 0, eris.Errorf("approval: claim %d has no text", i)
		}
	}

	var n int64
	err := db.InTx(ctx, c.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM evidence.content_items WHERE id = $1 FOR UPDATE`, itemID,
		).Scan(&status)
		if err != nil {
			if db.IsNoRows(err) {
				return eris.Wrapf(model.ErrNotFound, "approval: content item %s", itemID)
			}
			return eris.Wrapf(err, "approval: lock content item %s", itemID)
		}
		if model.ContentStatus(status) != model.ContentDraft {
			return eris.Wrapf(model.ErrInvalidStateTransition, "approval: content item %s is %s; evidence is frozen", itemID, status)
		}

		var next int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM evidence.content_evidence WHERE content_item_id = $1`, itemID,
		).Scan(&next); err != nil {
			return eris.Wrap(err, "approval: next claim position")
		}

		now := c.now()
		rows := make([][]any, 0, len(claims))
		for i, cl := range claims {
			cites := cl.Citations
			if cites == nil {
				cites = []model.Citation{}
			}
			citeJSON, err := json.Marshal(cites)
			if err != nil {
				return eris.Wrap(err, "approval: marshal citations")
			}
			rows = append(rows, []any{uuid.NewString(), itemID, next + i, cl.ClaimText, citeJSON, now})
		}
		n, err = db.CopyFrom(ctx, tx, "evidence.content_evidence",
			[]string{"id", "content_item_id", "position", "claim_text", "citations", "created_at"}, rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.log.Debug("evidence added", zap.String("content_item_id", itemID), zap.Int64("claims", n))
	return n, nil
}

// Evidence returns the claims of a content item in body order.
func (c *Content) Evidence(ctx context.Context, itemID string) ([]model.ContentEvidence, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, content_item_id, position, claim_text, citations, created_at
		 FROM evidence.content_evidence
		 WHERE content_item_id = $1
		 ORDER BY position`,
		itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "approval: evidence of %s", itemID)
	}
	defer rows.Close()

	var out []model.ContentEvidence
	for rows.Next() {
		var e model.ContentEvidence
		var cites []byte
		if err := rows.Scan(&e.ID, &e.ContentItemID, &e.Position, &e.ClaimText, &cites, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "approval: scan evidence")
		}
		if len(cites) > 0 {
			if err := json.Unmarshal(cites, &e.Citations); err != nil {
				return nil, eris.Wrapf(err, "approval: decode citations of claim %s", e.ID)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordUniquenessCheck stores a similarity measurement against published content.
func (c *Content) RecordUniquenessCheck(ctx context.Context, itemID string, score float64, matchedItemID string) (*model.UniquenessCheck, error) {
	if score < 0 || score > 1 {
		return nil, eris.Errorf("approval: similarity score %v outside [0, 1]", score)
	}
	u := &model.UniquenessCheck{
		ID:              uuid.NewString(),
		ContentItemID:   itemID,
		SimilarityScore: score,
		MatchedItemID:   matchedItemID,
		CheckedAt:       c.now(),
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO evidence.uniqueness_checks (id, content_item_id, similarity_score, matched_item_id, checked_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, itemID, score, matchedItemID, u.CheckedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return nil, eris.Wrapf(model.ErrInvalidReference, "approval: content item %s", itemID)
		}
		return nil, eris.Wrap(err, "approval: record uniqueness check")
	}
	return u, nil
}

// LatestUniquenessCheck returns the most recent check of an item.
func (c *Content) LatestUniquenessCheck(ctx context.Context, itemID string) (*model.UniquenessCheck, error) {
	var u model.UniquenessCheck
	err := c.pool.QueryRow(ctx,
		`SELECT id, content_item_id, similarity_score, matched_item_id, checked_at
		 FROM evidence.uniqueness_checks
		 WHERE content_item_id = $1
		 ORDER BY checked_at DESC, id DESC
		 LIMIT 1`,
		itemID,
	).Scan(&u.ID, &u.ContentItemID, &u.SimilarityScore, &u.MatchedItemID, &u.CheckedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "approval: no uniqueness check for %s", itemID)
		}
		return nil, eris.Wrapf(err, "approval: uniqueness check of %s", itemID)
	}
	return &u, nil
}

// Retract withdraws a published item.
func (c *Content) Retract(ctx context.Context, id, reason string) (*model.ContentItem, error) {
	it, err := c.transition(ctx, id, model.ContentRetracted, model.ContentPublished)
	if err != nil {
		return nil, err
	}
	c.log.Info("content item retracted", zap.String("content_item_id", id), zap.String("reason", reason))
	return it, nil
}

// Archive closes a draft, published or retracted item. Items under review
// must finish the pipeline first.
func (c *Content) Archive(ctx context.Context, id string) (*model.ContentItem, error) {
	it, err := c.transition(ctx, id, model.ContentArchived,
		model.ContentDraft, model.ContentPublished, model.ContentRetracted)
	if err != nil {
		return nil, err
	}
	c.log.Info("content item archived", zap.String("content_item_id", id))
	return it, nil
}

func (c *Content) transition(ctx context.Context, id string, to model.ContentStatus, from ...model.ContentStatus) (*model.ContentItem, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	it, err := scanItem(c.pool.QueryRow(ctx,
		`UPDATE evidence.content_items SET status = $2, updated_at = $3
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING `+itemColumns,
		id, string(to), c.now(), allowed))
	if err == nil {
		return it, nil
	}
	if !db.IsNoRows(err) {
		return nil, eris.Wrapf(err, "approval: set %s to %s", id, to)
	}

	cur, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s is %s, cannot become %s", id, cur.Status, to)
}
