package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

func (s *Server) contradictionRoutes(r chi.Router) {
	r.Get("/", s.listContradictions)
	r.Post("/detect", s.detect)
	r.Get("/{id}", s.getContradiction)
	r.Get("/{id}/resolutions", s.resolutions)
	r.Post("/{id}/resolve", s.closeContradiction(false))
	r.Post("/{id}/dismiss", s.closeContradiction(true))
	r.Post("/{id}/reopen", s.reopen)
}

func (s *Server) listContradictions(w http.ResponseWriter, r *http.Request) {
	if s.svc.Contradictions == nil {
		unavailable(w, "contradictions")
		return
	}
	q := r.URL.Query()
	f := contradiction.Filter{
		Indicator: q.Get("indicator"),
		Geo:       q.Get("geo"),
		Limit:     intParam(r, "limit", 0),
	}
	switch st := model.ContradictionStatus(q.Get("status")); st {
	case "", model.ContradictionOpen, model.ContradictionResolved, model.ContradictionDismissed:
		f.Status = st
	default:
		badRequest(w, "unknown contradiction status "+string(st))
		return
	}
	out, err := s.svc.Contradictions.List(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	if out == nil {
		out = []model.Contradiction{}
	}
	writeJSON(w, http.StatusOK, out)
}

type detectRequest struct {
	Indicator string   `json:"indicator" validate:"required"`
	Geo       string   `json:"geo" validate:"required"`
	From      string   `json:"from" validate:"required,datetime=2006-01-02"`
	To        string   `json:"to" validate:"omitempty,datetime=2006-01-02"`
	AsOf      string   `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	Threshold *float64 `json:"threshold" validate:"omitempty,gt=0"`
}

// detect runs the detector over one date, or a date range when To is set.
func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	if s.svc.Detector == nil {
		unavailable(w, "detector")
		return
	}
	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, _ := model.ParseDay(req.From)
	asOf := s.now()
	if req.AsOf != "" {
		asOf, _ = model.ParseDay(req.AsOf)
	}
	var threshold float64
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	var (
		dets []contradiction.Detection
		err  error
	)
	if req.To == "" {
		key := observation.GroupKey{Indicator: req.Indicator, Geo: req.Geo, ObsDate: from}
		dets, err = s.svc.Detector.Detect(r.Context(), key, asOf, threshold)
	} else {
		var to time.Time
		to, _ = model.ParseDay(req.To)
		if to.Before(from) {
			badRequest(w, "to is before from")
			return
		}
		dets, err = s.svc.Detector.DetectRange(r.Context(), req.Indicator, req.Geo, from, to, asOf, threshold)
	}
	if err != nil {
		fail(w, err)
		return
	}
	if dets == nil {
		dets = []contradiction.Detection{}
	}
	writeJSON(w, http.StatusOK, dets)
}

func (s *Server) getContradiction(w http.ResponseWriter, r *http.Request) {
	if s.svc.Contradictions == nil {
		unavailable(w, "contradictions")
		return
	}
	c, err := s.svc.Contradictions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) resolutions(w http.ResponseWriter, r *http.Request) {
	if s.svc.Contradictions == nil {
		unavailable(w, "contradictions")
		return
	}
	out, err := s.svc.Contradictions.Resolutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if out == nil {
		out = []model.ContradictionResolution{}
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Text string `json:"text" validate:"required"`
	By   string `json:"by" validate:"required"`
}

func (s *Server) closeContradiction(dismiss bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.svc.Resolver == nil {
			unavailable(w, "resolver")
			return
		}
		var req resolveRequest
		if !s.decode(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		var (
			res *model.ContradictionResolution
			err error
		)
		if dismiss {
			res, err = s.svc.Resolver.Dismiss(r.Context(), id, req.Text, req.By)
		} else {
			res, err = s.svc.Resolver.Resolve(r.Context(), id, req.Text, req.By)
		}
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) reopen(w http.ResponseWriter, r *http.Request) {
	if s.svc.Resolver == nil {
		unavailable(w, "resolver")
		return
	}
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.svc.Resolver.Reopen(r.Context(), chi.URLParam(r, "id"), req.Text, req.By)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
