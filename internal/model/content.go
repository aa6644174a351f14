package model

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ContentStatus is the lifecycle status of a content item.
type ContentStatus string

const (
	ContentDraft       ContentStatus = "draft"
	ContentUnderReview ContentStatus = "under_review"
	ContentPublished   ContentStatus = "published"
	ContentRetracted   ContentStatus = "retracted"
	ContentArchived    ContentStatus = "archived"
)

// Visibility is the audience tier of a content item.
type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilitySubscribers Visibility = "subscribers"
	VisibilityInternal    Visibility = "internal"
)

// ContentItem is a governed publishable artifact. Titles and bodies are
// opaque payloads supplied by collaborators.
type ContentItem struct {
	ID            string        `json:"id"`
	ContentType   string        `json:"content_type"`
	TitleEN       string        `json:"title_en"`
	TitleAR       string        `json:"title_ar"`
	BodyEN        string        `json:"body_en"`
	BodyAR        string        `json:"body_ar"`
	Status        ContentStatus `json:"status"`
	Visibility    Visibility    `json:"visibility"`
	ReviewVersion int64         `json:"review_version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	SubmittedAt   *time.Time    `json:"submitted_at,omitempty"`
	PublishedAt   *time.Time    `json:"published_at,omitempty"`
}

// Citation points a claim at an observation, a series, or a collaborator document.
type Citation struct {
	ObservationID string `json:"observation_id,omitempty"`
	SeriesID      string `json:"series_id,omitempty"`
	DocumentID    string `json:"document_id,omitempty"`
	PageRef       string `json:"page_ref,omitempty"`
}

// Empty reports whether the citation references nothing.
func (c Citation) Empty() bool {
	return c.ObservationID == "" && c.SeriesID == "" && c.DocumentID == ""
}

// ContentEvidence is one claim in a content item's body with its citations.
type ContentEvidence struct {
	ID            string     `json:"id"`
	ContentItemID string     `json:"content_item_id"`
	Position      int        `json:"position"`
	ClaimText     string     `json:"claim_text"`
	Citations     []Citation `json:"citations"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Cited reports whether the claim has at least one citation reference.
func (e ContentEvidence) Cited() bool {
	for _, c := range e.Citations {
		if !c.Empty() {
			return true
		}
	}
	return false
}

// UniquenessCheck records how similar a content item is to previously published content.
type UniquenessCheck struct {
	ID              string    `json:"id"`
	ContentItemID   string    `json:"content_item_id"`
	SimilarityScore float64   `json:"similarity_score"`
	MatchedItemID   string    `json:"matched_item_id,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Stage identifies one step of the approval pipeline.
type Stage string

const (
	StageDrafting      Stage = "drafting"
	StageEvidence      Stage = "evidence"
	StageConsistency   Stage = "consistency"
	StageSafety        Stage = "safety"
	StageArabicCopy    Stage = "arabic_copy"
	StageEnglishCopy   Stage = "english_copy"
	StageStandards     Stage = "standards"
	StageFinalApproval Stage = "final_approval"
)

// Stages lists the pipeline stages in evaluation order.
var Stages = []Stage{
	StageDrafting,
	StageEvidence,
	StageConsistency,
	StageSafety,
	StageArabicCopy,
	StageEnglishCopy,
	StageStandards,
	StageFinalApproval,
}

// ParseStage converts a stage label into a Stage. Hyphens are accepted in place of underscores.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	if !slices.Contains(Stages, st) {
		return "", eris.Errorf("unknown stage: %q", s)
	}
	return st, nil
}

// Index returns the position of the stage in Stages, or -1.
func (s Stage) Index() int {
	return slices.Index(Stages, s)
}

// Agent returns the agent name recorded on automated runs of this stage.
func (s Stage) Agent() string {
	return string(s) + "-agent"
}

// StageResult is the outcome of one stage evaluation.
type StageResult string

const (
	ResultPass       StageResult = "pass"
	ResultFail       StageResult = "fail"
	ResultNeedsHuman StageResult = "needs_human"
	ResultSkipped    StageResult = "skipped"
)

// ParseStageResult converts a result label into a StageResult.
func ParseStageResult(s string) (StageResult, error) {
	switch r := StageResult(strings.ReplaceAll(strings.ToLower(s), "-", "_")); r {
	case ResultPass, ResultFail, ResultNeedsHuman, ResultSkipped:
		return r, nil
	default:
		return "", eris.Errorf("unknown stage result: %q", s)
	}
}

// AgentRun is one stage's evaluation of one content item. Runs are append-only
// per (content item, agent, attempt).
type AgentRun struct {
	ID            string         `json:"id"`
	ContentItemID string         `json:"content_item_id"`
	Stage         Stage          `json:"stage"`
	Agent         string         `json:"agent"`
	Attempt       int            `json:"attempt"`
	Result        StageResult    `json:"result"`
	Score         float64        `json:"score"`
	Output        map[string]any `json:"output,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ApprovalPolicy holds the per content-type thresholds the pipeline consumes.
type ApprovalPolicy struct {
	ContentType         string    `json:"content_type" yaml:"content_type"`
	MinCitations        int       `json:"min_citations" yaml:"min_citations"`
	MinEvidenceCoverage float64   `json:"min_evidence_coverage" yaml:"min_evidence_coverage"`
	MaxSimilarityScore  float64   `json:"max_similarity_score" yaml:"max_similarity_score"`
	MaxVarianceFlag     float64   `json:"max_variance_flag" yaml:"max_variance_flag"`
	SkippableStages     []Stage   `json:"skippable_stages,omitempty" yaml:"skippable_stages"`
	AllowFailOverride   bool      `json:"allow_fail_override" yaml:"allow_fail_override"`
	UpdatedAt           time.Time `json:"updated_at" yaml:"-"`
}

// Skippable reports whether a Skipped result satisfies the stage under this policy.
func (p ApprovalPolicy) Skippable(s Stage) bool {
	return slices.Contains(p.SkippableStages, s)
}

// PipelineState summarizes where a content item is in the approval pipeline.
type PipelineState string

const (
	// PipelineNotSubmitted means the item is still a draft.
	PipelineNotSubmitted PipelineState = "not_submitted"
	// PipelinePending means the current stage has no run yet, or its last run can be advanced.
	PipelinePending    PipelineState = "pending"
	PipelineNeedsHuman PipelineState = "needs_human"
	PipelineBlocked    PipelineState = "blocked"
	PipelinePublished  PipelineState = "published"
	// PipelineClosed covers retracted and archived items.
	PipelineClosed PipelineState = "closed"
)
