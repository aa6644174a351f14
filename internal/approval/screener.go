package approval

import "context"

// ScreenRequest is the text a compliance screener checks for one item.
type ScreenRequest struct {
	ContentItemID string   `json:"content_item_id"`
	Texts         []string `json:"texts"`
}

// Match is one screening hit, such as a sanctioned entity named in the text.
type Match struct {
	Term     string  `json:"term"`
	List     string  `json:"list,omitempty"`
	Score    float64 `json:"score"`
	Resolved bool    `json:"resolved"`
}

// Screening is a compliance verdict.
type Screening struct {
	Passed    bool    `json:"passed"`
	RiskScore float64 `json:"risk_score"`
	Matches   []Match `json:"matches,omitempty"`
}

// Screener is the external compliance collaborator consulted by the safety stage.
type Screener interface {
	Screen(ctx context.Context, req ScreenRequest) (*Screening, error)
}
