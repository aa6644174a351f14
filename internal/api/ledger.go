package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/evidence-engine/internal/model"
)

func (s *Server) ledgerRoutes(r chi.Router) {
	r.Get("/", s.ledgerSince)
	r.Post("/", s.recordEntry)
	r.Get("/touching", s.touching)
	r.Get("/lineage", s.lineage)
	r.Get("/{id}", s.getEntry)
}

func (s *Server) ledgerSince(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	entries, err := s.svc.Ledger.Since(r.Context(), int64(intParam(r, "since", 0)), intParam(r, "limit", 100))
	if err != nil {
		fail(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) recordEntry(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	var e model.LedgerEntry
	if !s.decode(w, r, &e) {
		return
	}
	rec, err := s.svc.Ledger.Record(r.Context(), e)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	e, err := s.svc.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func refParam(w http.ResponseWriter, r *http.Request) (model.Ref, bool) {
	ref := model.Ref(r.URL.Query().Get("ref"))
	if _, _, err := ref.Parse(); err != nil {
		fail(w, err)
		return "", false
	}
	return ref, true
}

func (s *Server) touching(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	entries, err := s.svc.Ledger.Touching(r.Context(), ref)
	if err != nil {
		fail(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type lineageResponse struct {
	Root     model.Ref           `json:"root"`
	Entries  []model.LedgerEntry `json:"entries"`
	Warnings []string            `json:"warnings,omitempty"`
}

// lineage answers GET /ledger/lineage?ref=kind:id with the full backward walk.
func (s *Server) lineage(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	trace := s.svc.Ledger.TraceLineage(r.Context(), ref)
	entries, err := trace.All()
	if err != nil {
		fail(w, err)
		return
	}
	resp := lineageResponse{Root: trace.Root(), Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []model.LedgerEntry{}
	}
	for _, warn := range trace.Warnings() {
		resp.Warnings = append(resp.Warnings, warn.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}
