package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  Stage
	}{
		{"drafting", StageDrafting},
		{"Arabic-Copy", StageArabicCopy},
		{"english_copy", StageEnglishCopy},
		{"final-approval", StageFinalApproval},
	}
	for _, tt := range tests {
		got, err := ParseStage(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseStage("translation")
	assert.Error(t, err)
}

func TestStageOrder(t *testing.T) {
	t.Parallel()

	require.Len(t, Stages, 8)
	assert.Equal(t, 0, StageDrafting.Index())
	assert.Equal(t, 7, StageFinalApproval.Index())
	assert.Equal(t, -1, Stage("bogus").Index())
	assert.Equal(t, "safety-agent", StageSafety.Agent())
}

func TestContentEvidence_Cited(t *testing.T) {
	t.Parallel()

	assert.False(t, ContentEvidence{}.Cited())
	assert.False(t, ContentEvidence{Citations: []Citation{{PageRef: "p4"}}}.Cited())
	assert.True(t, ContentEvidence{Citations: []Citation{{DocumentID: "doc-1", PageRef: "p4"}}}.Cited())
	assert.True(t, ContentEvidence{Citations: []Citation{{}, {ObservationID: "obs-1"}}}.Cited())
}

func TestApprovalPolicy_Skippable(t *testing.T) {
	t.Parallel()

	p := ApprovalPolicy{SkippableStages: []Stage{StageArabicCopy}}
	assert.True(t, p.Skippable(StageArabicCopy))
	assert.False(t, p.Skippable(StageSafety))
	assert.False(t, ApprovalPolicy{}.Skippable(StageArabicCopy))
}

func TestParseTierAndRegime(t *testing.T) {
	t.Parallel()

	tier, err := ParseTier("t2")
	require.NoError(t, err)
	assert.True(t, tier.Corroborating())

	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierUnknown, tier)
	assert.False(t, tier.Corroborating())

	_, err = ParseTier("T4")
	assert.Error(t, err)

	_, err = ParseRegime("national")
	assert.Error(t, err)
	r, err := ParseRegime("sanaa")
	require.NoError(t, err)
	assert.Equal(t, RegimeSanaa, r)
}

func TestDay(t *testing.T) {
	t.Parallel()

	in := time.Date(2024, 1, 5, 23, 30, 0, 0, time.FixedZone("AST", 3*3600))
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), Day(in))

	d, err := ParseDay("2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), d)
}
