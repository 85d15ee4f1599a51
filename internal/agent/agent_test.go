package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/concord/internal/model"
	"github.com/ppiankov/concord/internal/worker"
)

func TestSanitize_Defaults(t *testing.T) {
	p, err := Sanitize(Proposal{
		EvidenceText: "  quoted text ",
		Confidence:   0,
		PageNumber:   -3,
		Quality:      &model.EvidenceQuality{CompositeScore: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "quoted text", p.EvidenceText)
	assert.Equal(t, model.DefaultConfidence, p.Confidence)
	assert.Equal(t, 0, p.PageNumber)
	assert.Nil(t, p.Quality)
}

func TestSanitize_RejectsEmptyEvidence(t *testing.T) {
	_, err := Sanitize(Proposal{EvidenceText: "   "})
	assert.ErrorIs(t, err, ErrEmptyEvidence)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestProposal_ToClaimInput(t *testing.T) {
	req := RequirementContext{Pillar: "P2", SubRequirement: "SR-2.1"}
	in := Proposal{EvidenceText: "e", PageNumber: 7, Section: "Methods", Confidence: 0.8}.ToClaimInput(req, model.SourceDeepPass)

	assert.Equal(t, "P2", in.Pillar)
	assert.Equal(t, "SR-2.1", in.SubRequirement)
	assert.Equal(t, []int{7}, in.Provenance.PageNumbers)
	assert.Equal(t, "Methods", in.Provenance.Section)
	assert.Equal(t, model.SourceDeepPass, in.Source)
}

func TestNormalizeDecision(t *testing.T) {
	d, ok := NormalizeDecision(Decision{Status: " Approve ", Notes: " fine "})
	require.True(t, ok)
	assert.Equal(t, model.StatusApproved, d.Status)
	assert.Equal(t, "fine", d.Notes)

	d, ok = NormalizeDecision(Decision{Status: "REJECTED"})
	require.True(t, ok)
	assert.Equal(t, model.StatusRejected, d.Status)

	_, ok = NormalizeDecision(Decision{Status: "maybe"})
	assert.False(t, ok)
}

type flakyJudge struct {
	failures int
	calls    int
}

func (j *flakyJudge) Decide(ctx context.Context, claim model.Claim, tri *model.Triangulation) (Decision, error) {
	j.calls++
	if j.calls <= j.failures {
		return Decision{}, errors.New("upstream timeout")
	}
	return Decision{Status: model.StatusApproved}, nil
}

func TestGuardJudge_Retries(t *testing.T) {
	guard := worker.NewGuard(nil, worker.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}).
		WithSleep(func(context.Context, time.Duration) error { return nil })

	inner := &flakyJudge{failures: 2}
	d, err := GuardJudge(inner, guard).Decide(context.Background(), model.Claim{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, d.Status)
	assert.Equal(t, 3, inner.calls)

	inner = &flakyJudge{failures: 5}
	_, err = GuardJudge(inner, guard).Decide(context.Background(), model.Claim{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 3, inner.calls)
}
