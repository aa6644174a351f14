package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/audit"
	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/events"
	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/ingest"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/monitoring"
	"github.com/sells-group/evidence-engine/internal/observation"
	"github.com/sells-group/evidence-engine/internal/resilience"
	"github.com/sells-group/evidence-engine/pkg/compliance"
)

// appEnv holds the pool, collaborators and services shared by commands.
// Callers should defer env.Close().
type appEnv struct {
	Pool   *pgxpool.Pool
	Blobs  evidence.BlobStore
	Events events.Publisher

	Sources        *evidence.Sources
	Tracker        *evidence.Tracker
	Observations   *observation.Store
	Ledger         *ledger.Ledger
	Detector       *contradiction.Detector
	Resolver       *contradiction.Resolver
	Contradictions *contradiction.Store
	Content        *approval.Content
	Policies       *approval.Policies
	Pipeline       *approval.Pipeline
	Loader         *ingest.Loader
	Exporter       *audit.Exporter
}

// Close releases the pool, the blob store and the event connection.
func (e *appEnv) Close() {
	if c, ok := e.Events.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := e.Blobs.(io.Closer); ok {
		_ = c.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initApp validates the config for mode, connects to Postgres and builds every
// service. Migrations are not applied; run "evidence migrate" first.
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	env := &appEnv{Pool: pool, Events: events.Nop{}}

	blobs, err := evidence.NewBlobStore(ctx, cfg.Evidence)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Blobs = blobs

	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Events = pub
	}

	env.Sources = evidence.NewSources(pool)
	env.Tracker = evidence.NewTracker(pool, blobs,
		evidence.WithRetry(resilience.FromRetryConfig(resilience.DefaultRetryConfig(), cfg.Evidence.Retry)),
		evidence.WithPublisher(env.Events),
	)
	env.Observations = observation.NewStore(pool,
		observation.WithRetry(resilience.FromRetryConfig(resilience.ConflictRetryConfig(), cfg.Observation.Retry)),
	)
	env.Ledger = ledger.New(pool)
	env.Detector = contradiction.NewDetector(pool, env.Observations, env.Ledger, cfg.Contradiction,
		contradiction.WithPublisher(env.Events))
	env.Resolver = contradiction.NewResolver(pool, env.Ledger, contradiction.WithResolverPublisher(env.Events))
	env.Contradictions = contradiction.NewStore(pool)
	env.Content = approval.NewContent(pool)
	env.Policies = approval.NewPolicies(pool)

	deps := approval.Deps{
		Content:        env.Content,
		Policies:       env.Policies,
		Ledger:         env.Ledger,
		Detector:       env.Detector,
		Contradictions: env.Contradictions,
	}
	if cfg.Compliance.BaseURL != "" {
		deps.Screener = compliance.NewFromConfig(cfg.Compliance)
	} else {
		zap.L().Info("compliance screening disabled, safety stage will be held for human review")
	}
	env.Pipeline = approval.NewPipeline(pool, deps,
		approval.WithRiskThreshold(cfg.Approval.RiskThreshold),
		approval.WithPublisher(env.Events),
	)

	env.Loader = ingest.NewLoader(pool, env.Tracker, env.Observations, env.Ledger, cfg.Ingest,
		ingest.WithDetector(env.Detector))
	env.Exporter = audit.NewExporter(env.Ledger, env.Observations, env.Tracker)
	return env, nil
}

// newChecker builds the governance health checker over env.
func newChecker(env *appEnv) *monitoring.Checker {
	collector := monitoring.NewCollector(env.Tracker, env.Contradictions, env.Pipeline, monitoring.Thresholds{
		StaleContradictionHours: cfg.Monitoring.StaleContradictionHours,
		StuckReviewHours:        cfg.Monitoring.StuckReviewHours,
	})
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode output")
	}
	return nil
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
