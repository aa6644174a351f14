package contradiction

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/events"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Resolver closes and reopens contradictions. Every transition is recorded
// as a VALIDATE ledger entry in the same transaction.
type Resolver struct {
	pool   db.Pool
	ledger *ledger.Ledger
	events events.Publisher
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverPublisher sets the governance event publisher.
func WithResolverPublisher(p events.Publisher) ResolverOption {
	return func(r *Resolver) { r.events = p }
}

// WithResolverClock overrides time.Now.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver.
func NewResolver(pool db.Pool, led *ledger.Ledger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		pool:   pool,
		ledger: led,
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		log:    zap.L().With(zap.String("component", "contradiction.resolver")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve closes an open contradiction as resolved.
func (r *Resolver) Resolve(ctx context.Context, id, text, resolvedBy string) (*model.ContradictionResolution, error) {
	return r.close(ctx, id, model.ContradictionResolved, text, resolvedBy)
}

// Dismiss closes an open contradiction without action, e.g. when the
// disagreement is a known methodological difference.
func (r *Resolver) Dismiss(ctx context.Context, id, text, resolvedBy string) (*model.ContradictionResolution, error) {
	return r.close(ctx, id, model.ContradictionDismissed, text, resolvedBy)
}

// lockedState reads status and cycle under a row lock.
func lockedState(ctx context.Context, tx pgx.Tx, id string) (model.ContradictionStatus, int, error) {
	var status string
	var cycle int
	err := tx.QueryRow(ctx,
		`SELECT status, cycle FROM evidence.contradictions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &cycle)
	if err != nil {
		if db.IsNoRows(err) {
			return "", 0, eris.Wrapf(model.ErrNotFound, "contradiction: %s", id)
		}
		return "", 0, eris.Wrapf(err, "contradiction: lock %s", id)
	}
	return model.ContradictionStatus(status), cycle, nil
}

func (r *Resolver) close(ctx context.Context, id string, outcome model.ContradictionStatus, text, resolvedBy string) (*model.ContradictionResolution, error) {
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, eris.New("contradiction: resolved_by is required")
	}

	res := &model.ContradictionResolution{
		ID:              r.newID(),
		ContradictionID: id,
		Outcome:         outcome,
		Text:            text,
		ResolvedBy:      resolvedBy,
		ResolvedAt:      r.now(),
	}
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		status, cycle, err := lockedState(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != model.ContradictionOpen {
			return eris.Wrapf(model.ErrInvalidStateTransition, "contradiction: %s is %s", id, status)
		}
		res.Cycle = cycle

		if _, err := tx.Exec(ctx,
			`UPDATE evidence.contradictions SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(outcome), res.ResolvedAt); err != nil {
			return eris.Wrapf(err, "contradiction: update %s", id)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO evidence.contradiction_resolutions
			   (id, contradiction_id, cycle, outcome, text, resolved_by, resolved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			res.ID, id, res.Cycle, string(outcome), text, resolvedBy, res.ResolvedAt); err != nil {
			if db.IsUniqueViolation(err) {
				return eris.Wrapf(model.ErrInvalidStateTransition, "contradiction: cycle %d of %s already closed", res.Cycle, id)
			}
			return eris.Wrapf(err, "contradiction: insert resolution for %s", id)
		}

		_, err = r.ledger.Append(ctx, tx, model.LedgerEntry{
			Action:     model.ActionValidate,
			InputRefs:  []model.Ref{model.NewRef(model.RefContradiction, id)},
			OutputRefs: []model.Ref{model.NewRef(model.RefResolution, res.ID)},
			Parameters: map[string]any{
				"outcome":     string(outcome),
				"resolved_by": resolvedBy,
				"cycle":       res.Cycle,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	evType := events.ContradictionResolved
	if outcome == model.ContradictionDismissed {
		evType = events.ContradictionDismissed
	}
	metrics.RecordContradiction(string(outcome))
	events.Emit(ctx, r.events, events.Event{
		Type: evType,
		Ref:  string(model.NewRef(model.RefContradiction, id)),
		Attributes: map[string]any{
			"resolution_id": res.ID,
			"resolved_by":   resolvedBy,
			"cycle":         res.Cycle,
		},
	})
	r.log.Info("contradiction closed",
		zap.String("contradiction_id", id),
		zap.String("outcome", string(outcome)),
		zap.String("resolved_by", resolvedBy),
		zap.Int("cycle", res.Cycle),
	)
	return res, nil
}

// Reopen returns a resolved or dismissed contradiction to open and starts a
// new cycle. Reopening an open contradiction is an invalid transition.
func (r *Resolver) Reopen(ctx context.Context, id, reason, reopenedBy string) (*model.Contradiction, error) {
	if strings.TrimSpace(reopenedBy) == "" {
		return nil, eris.New("contradiction: reopened_by is required")
	}

	now := r.now()
	var c *model.Contradiction
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		status, cycle, err := lockedState(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == model.ContradictionOpen {
			return eris.Wrapf(model.ErrInvalidStateTransition, "contradiction: %s is already open", id)
		}

		var resolutionID string
		err = tx.QueryRow(ctx,
			`SELECT id FROM evidence.contradiction_resolutions WHERE contradiction_id = $1 AND cycle = $2`,
			id, cycle,
		).Scan(&resolutionID)
		if err != nil && !db.IsNoRows(err) {
			return eris.Wrapf(err, "contradiction: resolution of %s", id)
		}

		c, err = scanContradiction(tx.QueryRow(ctx,
			`UPDATE evidence.contradictions SET status = 'open', cycle = cycle + 1, updated_at = $2
			 WHERE id = $1
			 RETURNING `+contradictionColumns,
			id, now))
		if err != nil {
			return eris.Wrapf(err, "contradiction: reopen %s", id)
		}

		// The superseded resolution descends from this contradiction, so it
		// is named in the parameters and never among the inputs.
		inputs := make([]model.Ref, 0, len(c.ObservationIDs))
		for _, oid := range c.ObservationIDs {
			inputs = append(inputs, model.NewRef(model.RefObservation, oid))
		}
		params := map[string]any{
			"reopened_by": reopenedBy,
			"reason":      reason,
			"cycle":       c.Cycle,
		}
		if resolutionID != "" {
			params["superseded_resolution_id"] = resolutionID
		}
		_, err = r.ledger.Append(ctx, tx, model.LedgerEntry{
			Action:     model.ActionValidate,
			InputRefs:  inputs,
			OutputRefs: []model.Ref{model.NewRef(model.RefContradiction, id)},
			Parameters: params,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordContradiction("reopened")
	events.Emit(ctx, r.events, events.Event{
		Type:       events.ContradictionReopened,
		Ref:        string(model.NewRef(model.RefContradiction, id)),
		Attributes: map[string]any{"reopened_by": reopenedBy, "cycle": c.Cycle},
	})
	r.log.Info("contradiction reopened",
		zap.String("contradiction_id", id),
		zap.String("reopened_by", reopenedBy),
		zap.Int("cycle", c.Cycle),
	)
	return c, nil
}
