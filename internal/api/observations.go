package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

func (s *Server) seriesRoutes(r chi.Router) {
	r.Get("/", s.listSeries)
	r.Get("/{id}", s.getSeries)
	r.Get("/{id}/asof", s.asOf)
	r.Get("/{id}/history", s.history)
	r.Get("/{id}/gaps", s.gaps)
}

func (s *Server) observationRoutes(r chi.Router) {
	r.Get("/{id}", s.getObservation)
}

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	if s.svc.Observations == nil {
		unavailable(w, "observations")
		return
	}
	q := r.URL.Query()
	series, err := s.svc.Observations.ListSeries(r.Context(), observation.SeriesFilter{
		Indicator: q.Get("indicator"),
		Geo:       q.Get("geo"),
		SourceID:  q.Get("source"),
	})
	if err != nil {
		fail(w, err)
		return
	}
	if series == nil {
		series = []model.Series{}
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	if s.svc.Observations == nil {
		unavailable(w, "observations")
		return
	}
	series, err := s.svc.Observations.GetSeries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// asOf answers GET /series/{id}/asof?date=YYYY-MM-DD&as_of=YYYY-MM-DD.
func (s *Server) asOf(w http.ResponseWriter, r *http.Request) {
	if s.svc.Observations == nil {
		unavailable(w, "observations")
		return
	}
	obsDate, err := dateParam(r, "date", time.Time{})
	if err != nil || obsDate.IsZero() {
		badRequest(w, "date is required as YYYY-MM-DD")
		return
	}
	asOf, err := dateParam(r, "as_of", s.now())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	obs, err := s.svc.Observations.AsOf(r.Context(), chi.URLParam(r, "id"), obsDate, asOf)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.svc.Observations == nil {
		unavailable(w, "observations")
		return
	}
	obsDate, err := dateParam(r, "date", time.Time{})
	if err != nil || obsDate.IsZero() {
		badRequest(w, "date is required as YYYY-MM-DD")
		return
	}
	hist, err := s.svc.Observations.History(r.Context(), chi.URLParam(r, "id"), obsDate)
	if err != nil {
		fail(w, err)
		return
	}
	if hist == nil {
		hist = []model.Observation{}
	}
	writeJSON(w, http.StatusOK, hist)
}

type gapsResponse struct {
	SeriesID string   `json:"series_id"`
	Missing  []string `json:"missing"`
}

func (s *Server) gaps(w http.ResponseWriter, r *http.Request) {
	if s.svc.Observations == nil {
		unavailable(w, "observations")
		return
	}
	from, err := dateParam(r, "from", time.Time{})
	if err != nil || from.IsZero() {
		badRequest(w, "from is required as YYYY-MM-DD")
		return
	}
	to, err := dateParam(r, "to", time.Time{})
	if err != nil || to.IsZero() {
		badRequest(w, "to is required as YYYY-MM-DD")
		return
	}
	asOf, err := dateParam(r, "as_of", s.now())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	missing, err := s.svc.Observations.Gaps(r.Context(), id, from, to, asOf)
	if err != nil {
		fail(w, err)
		return
	}
	resp := gapsResponse{SeriesID: id, Missing: make([]string, 0, len(missing))}
	for _, d := range missing {
		resp.Missing = append(resp.Missing, d.Format(time.DateOnly))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getObservation(w http.ResponseWriter, r *http.Request) {
	if s.svc.Observations == nil {
		unavailable(w, "observations")
		return
	}
	obs, err := s.svc.Observations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}
