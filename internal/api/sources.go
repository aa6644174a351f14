package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
)

func (s *Server) sourceRoutes(r chi.Router) {
	r.Get("/", s.listSources)
	r.Post("/", s.registerSources)
	r.Get("/due", s.dueSources)
	r.Get("/{id}", s.getSource)
	r.Put("/{id}/tier", s.setTier)
	r.Put("/{id}/status", s.setSourceStatus)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	if s.svc.Sources == nil {
		unavailable(w, "sources")
		return
	}
	srcs, err := s.svc.Sources.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srcs)
}

type registerRequest struct {
	Sources []model.Source `json:"sources" validate:"required,min=1"`
}

func (s *Server) registerSources(w http.ResponseWriter, r *http.Request) {
	if s.svc.Sources == nil {
		unavailable(w, "sources")
		return
	}
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.svc.Sources.Register(r.Context(), req.Sources)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"registered": n})
}

func (s *Server) dueSources(w http.ResponseWriter, r *http.Request) {
	if s.svc.Sources == nil {
		unavailable(w, "sources")
		return
	}
	due, err := s.svc.Sources.Due(r.Context(), s.now())
	if err != nil {
		fail(w, err)
		return
	}
	if due == nil {
		due = []evidence.DueSource{}
	}
	writeJSON(w, http.StatusOK, due)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	if s.svc.Sources == nil {
		unavailable(w, "sources")
		return
	}
	src, err := s.svc.Sources.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

type tierRequest struct {
	Tier string `json:"tier" validate:"required"`
}

func (s *Server) setTier(w http.ResponseWriter, r *http.Request) {
	if s.svc.Sources == nil {
		unavailable(w, "sources")
		return
	}
	var req tierRequest
	if !s.decode(w, r, &req) {
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Sources.SetTier(r.Context(), id, tier); err != nil {
		fail(w, err)
		return
	}
	s.getSource(w, r)
}

type statusRequest struct {
	Status model.SourceStatus `json:"status" validate:"required,oneof=active inactive"`
}

func (s *Server) setSourceStatus(w http.ResponseWriter, r *http.Request) {
	if s.svc.Sources == nil {
		unavailable(w, "sources")
		return
	}
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Sources.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		fail(w, err)
		return
	}
	s.getSource(w, r)
}
