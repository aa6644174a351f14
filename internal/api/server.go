// Package api exposes the evidence services over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/ingest"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/observation"
)

// Services are the components the API serves. Nil services leave their
// routes answering 503.
type Services struct {
	Sources        *evidence.Sources
	Tracker        *evidence.Tracker
	Observations   *observation.Store
	Ledger         *ledger.Ledger
	Detector       *contradiction.Detector
	Resolver       *contradiction.Resolver
	Contradictions *contradiction.Store
	Content        *approval.Content
	Pipeline       *approval.Pipeline
	Policies       *approval.Policies
	Loader         *ingest.Loader
}

// Server routes HTTP requests to the services.
type Server struct {
	svc      Services
	cfg      config.ServerConfig
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

// NewServer creates a Server.
func NewServer(svc Services, cfg config.ServerConfig) *Server {
	return &Server{
		svc:      svc,
		cfg:      cfg,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Route("/sources", s.sourceRoutes)
		api.Route("/runs", s.runRoutes)
		api.Post("/ingest", s.ingest)
		api.Route("/series", s.seriesRoutes)
		api.Route("/observations", s.observationRoutes)
		api.Route("/ledger", s.ledgerRoutes)
		api.Route("/contradictions", s.contradictionRoutes)
		api.Route("/content", s.contentRoutes)
		api.Route("/policies", s.policyRoutes)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
