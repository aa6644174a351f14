package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/ingest"
	"github.com/sells-group/evidence-engine/internal/model"
)

func (s *Server) runRoutes(r chi.Router) {
	r.Get("/", s.listRuns)
	r.Post("/", s.startRun)
	r.Get("/{id}", s.getRun)
	r.Get("/{id}/raw", s.listRawObjects)
	r.Post("/{id}/raw", s.storeRawObject)
	r.Post("/{id}/complete", s.completeRun)
	r.Post("/{id}/cancel", s.cancelRun)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	q := r.URL.Query()
	f := evidence.RunFilter{SourceID: q.Get("source"), Limit: intParam(r, "limit", 0)}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseRunStatus(v)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		f.Status = st
	}
	runs, err := s.svc.Tracker.ListRuns(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	if runs == nil {
		runs = []model.IngestionRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type startRunRequest struct {
	SourceID string `json:"source_id" validate:"required"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	var req startRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.svc.Tracker.StartRun(r.Context(), req.SourceID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	run, err := s.svc.Tracker.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRawObjects(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	objs, err := s.svc.Tracker.RawObjects(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if objs == nil {
		objs = []model.RawObject{}
	}
	writeJSON(w, http.StatusOK, objs)
}

type rawRequest struct {
	Kind string `json:"kind" validate:"required"`
	Data []byte `json:"data" validate:"required"`
}

func (s *Server) storeRawObject(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	var req rawRequest
	if !s.decode(w, r, &req) {
		return
	}
	obj, err := s.svc.Tracker.StoreRawObject(r.Context(), chi.URLParam(r, "id"), req.Data, req.Kind)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

type completeRequest struct {
	Status       string         `json:"status" validate:"required"`
	Metrics      map[string]any `json:"metrics"`
	RowsIngested *int64         `json:"rows_ingested"`
	Error        string         `json:"error"`
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := model.ParseRunStatus(req.Status)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	err = s.svc.Tracker.CompleteRun(r.Context(), id, evidence.RunResult{
		Status:       st,
		Metrics:      req.Metrics,
		RowsIngested: req.RowsIngested,
		Error:        req.Error,
	})
	if err != nil {
		fail(w, err)
		return
	}
	s.getRun(w, r)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tracker == nil {
		unavailable(w, "tracker")
		return
	}
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Tracker.CancelRun(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		fail(w, err)
		return
	}
	s.getRun(w, r)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	if s.svc.Loader == nil {
		unavailable(w, "loader")
		return
	}
	var b ingest.Batch
	if !s.decode(w, r, &b) {
		return
	}
	res, err := s.svc.Loader.Load(r.Context(), b)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
