package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/model"
)

func (s *Server) contentRoutes(r chi.Router) {
	r.Post("/", s.createContent)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getContent)
		r.Get("/evidence", s.listEvidence)
		r.Post("/evidence", s.addEvidence)
		r.Get("/uniqueness", s.latestUniqueness)
		r.Post("/uniqueness", s.recordUniqueness)
		r.Post("/submit", s.submit)
		r.Get("/stage", s.currentStage)
		r.Post("/stages/{stage}/run", s.runStage)
		r.Post("/stages/{stage}/outcome", s.recordOutcome)
		r.Get("/runs", s.agentRuns)
		r.Post("/retract", s.retract)
		r.Post("/archive", s.archive)
	})
}

func (s *Server) createContent(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	var req approval.NewItem
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.svc.Content.Create(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	item, err := s.svc.Content.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	ev, err := s.svc.Content.Evidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if ev == nil {
		ev = []model.ContentEvidence{}
	}
	writeJSON(w, http.StatusOK, ev)
}

type evidenceRequest struct {
	Claims []approval.Claim `json:"claims" validate:"required,min=1,dive"`
}

func (s *Server) addEvidence(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	var req evidenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.svc.Content.AddEvidence(r.Context(), chi.URLParam(r, "id"), req.Claims)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"added": n})
}

func (s *Server) latestUniqueness(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	chk, err := s.svc.Content.LatestUniquenessCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chk)
}

type uniquenessRequest struct {
	Score         *float64 `json:"similarity_score" validate:"required,gte=0,lte=1"`
	MatchedItemID string   `json:"matched_item_id"`
}

func (s *Server) recordUniqueness(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	var req uniquenessRequest
	if !s.decode(w, r, &req) {
		return
	}
	chk, err := s.svc.Content.RecordUniquenessCheck(r.Context(), chi.URLParam(r, "id"), *req.Score, req.MatchedItemID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chk)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if s.svc.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	item, err := s.svc.Pipeline.Submit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) currentStage(w http.ResponseWriter, r *http.Request) {
	if s.svc.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	pos, err := s.svc.Pipeline.CurrentStage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func stageParam(w http.ResponseWriter, r *http.Request) (model.Stage, bool) {
	st, err := model.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		badRequest(w, err.Error())
		return "", false
	}
	return st, true
}

func (s *Server) runStage(w http.ResponseWriter, r *http.Request) {
	if s.svc.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	run, err := s.svc.Pipeline.RunStage(r.Context(), chi.URLParam(r, "id"), stage)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type outcomeRequest struct {
	Result string `json:"result" validate:"required"`
	By     string `json:"by" validate:"required"`
	Note   string `json:"note"`
}

// recordOutcome stores a human decision on a stage.
func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	if s.svc.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	var req outcomeRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := model.ParseStageResult(req.Result)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	run, err := s.svc.Pipeline.RecordOutcome(r.Context(), chi.URLParam(r, "id"), stage, result, req.By, req.Note)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) agentRuns(w http.ResponseWriter, r *http.Request) {
	if s.svc.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	runs, err := s.svc.Pipeline.Runs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if runs == nil {
		runs = []model.AgentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type retractRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (s *Server) retract(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	var req retractRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.svc.Content.Retract(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	if s.svc.Content == nil {
		unavailable(w, "content")
		return
	}
	item, err := s.svc.Content.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) policyRoutes(r chi.Router) {
	r.Get("/", s.listPolicies)
	r.Get("/{type}", s.getPolicy)
	r.Put("/{type}", s.putPolicy)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	if s.svc.Policies == nil {
		unavailable(w, "policies")
		return
	}
	pols, err := s.svc.Policies.List(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	if pols == nil {
		pols = []model.ApprovalPolicy{}
	}
	writeJSON(w, http.StatusOK, pols)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	if s.svc.Policies == nil {
		unavailable(w, "policies")
		return
	}
	pol, err := s.svc.Policies.Get(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	if s.svc.Policies == nil {
		unavailable(w, "policies")
		return
	}
	var pol model.ApprovalPolicy
	if !s.decode(w, r, &pol) {
		return
	}
	pol.ContentType = chi.URLParam(r, "type")
	if err := approval.CheckPolicy(pol); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.Policies.Put(r.Context(), pol); err != nil {
		fail(w, err)
		return
	}
	s.getPolicy(w, r)
}
