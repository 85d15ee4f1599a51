package converge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/judge"
	"github.com/ppiankov/concord/internal/model"
	"github.com/ppiankov/concord/internal/store"
	"github.com/ppiankov/concord/internal/triangulate"
)

var requirements = []agent.RequirementContext{
	{Pillar: "P1", SubRequirement: "SR-1.1", Description: "Sample size is justified"},
	{Pillar: "P2", SubRequirement: "SR-2.1", Description: "Outcome measures are validated"},
}

type stubReviewer struct {
	mu        sync.Mutex
	proposals map[string][]agent.Proposal
	err       error
	calls     int
	known     map[string][]string
}

func (r *stubReviewer) Propose(ctx context.Context, content string, req agent.RequirementContext) ([]agent.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.known == nil {
		r.known = make(map[string][]string)
	}
	r.known[req.SubRequirement] = req.KnownEvidence
	if r.err != nil {
		return nil, r.err
	}
	return r.proposals[req.SubRequirement], nil
}

type stubJudge struct {
	mu      sync.Mutex
	verdict model.Status
	err     error
	calls   int
	withTri int
}

func (j *stubJudge) Decide(ctx context.Context, c model.Claim, tri *model.Triangulation) (agent.Decision, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if tri != nil {
		j.withTri++
	}
	if j.err != nil {
		return agent.Decision{}, j.err
	}
	return agent.Decision{Status: j.verdict}, nil
}

type constEmbedder struct{}

func (constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func proposal(text string, score float64) agent.Proposal {
	return agent.Proposal{
		EvidenceText: text,
		Summary:      "supports requirement",
		PageNumber:   3,
		Confidence:   0.9,
		Quality:      &model.EvidenceQuality{CompositeScore: score},
	}
}

func goodProposals() map[string][]agent.Proposal {
	return map[string][]agent.Proposal{
		"SR-1.1": {proposal("n=400 gives 90% power", 4.5)},
		"SR-2.1": {proposal("PHQ-9 was used", 4.2)},
	}
}

func newController(t *testing.T, cfg *model.Config, c Components) (*Controller, *store.Store) {
	t.Helper()
	if c.Store == nil {
		c.Store = store.New(store.NewMemoryBackend(), nil)
	}
	ctrl, err := New(c, cfg, nil)
	require.NoError(t, err)
	return ctrl, c.Store
}

func judgeFor(st *store.Store, cfg *model.Config, j agent.Judge) *judge.Adapter {
	return judge.New(st, j, nil, cfg.Judge, nil)
}

func document(id string) Document {
	return Document{ID: id, Content: "full text", Requirements: requirements}
}

func TestConverge_ZeroClaimsRunsToMaxIterations(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	reviewer := &stubReviewer{}
	j := &stubJudge{verdict: model.StatusApproved}
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: reviewer, Judge: judgeFor(st, cfg, j)})

	out, err := ctrl.Converge(context.Background(), document("empty"))
	require.NoError(t, err)

	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, model.TerminationMaxIterations, out.TerminationReason)
	assert.Zero(t, out.StatusCounts[model.StatusApproved])
	assert.Empty(t, out.NewClaims)
	assert.Empty(t, st.History(context.Background(), "empty").Versions)
	assert.Zero(t, j.calls)
}

func TestConverge_ReachesConsensusAndRerunIsIdempotent(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	reviewer := &stubReviewer{proposals: goodProposals()}
	j := &stubJudge{verdict: model.StatusApproved}
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: reviewer, Judge: judgeFor(st, cfg, j)})
	ctx := context.Background()

	out, err := ctrl.Converge(ctx, document("paper"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, model.TerminationConsensus, out.TerminationReason)
	assert.Len(t, out.NewClaims, 2)
	assert.Equal(t, 2, out.StatusCounts[model.StatusApproved])
	assert.NotEmpty(t, out.RunID)

	h := st.History(ctx, "paper")
	require.Len(t, h.Versions, 3)
	final := h.Latest()
	assert.Equal(t, 1, final.Iteration)
	assert.Equal(t, model.TerminationConsensus, final.TerminationReason)

	again, err := ctrl.Converge(ctx, document("paper"))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Iterations)
	assert.Equal(t, model.TerminationConsensus, again.TerminationReason)
	assert.Empty(t, again.NewClaims)
	assert.NotEqual(t, out.RunID, again.RunID)
	assert.Len(t, st.History(ctx, "paper").Versions, 3)
	assert.Equal(t, 2, j.calls)
}

func TestConverge_NeverExceedsMaxIterations(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		cfg := model.DefaultConfig()
		cfg.Convergence.MaxIterations = limit
		st := store.New(store.NewMemoryBackend(), nil)
		first := &stubReviewer{proposals: goodProposals()}
		deep := &stubReviewer{proposals: goodProposals()}
		j := &stubJudge{err: errors.New("judge offline")}
		ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: first, DeepPass: deep, Judge: judgeFor(st, cfg, j)})

		out, err := ctrl.Converge(context.Background(), document("stuck"))
		require.NoError(t, err)

		assert.Equal(t, limit, out.Iterations)
		assert.Len(t, out.Stats, limit)
		assert.Equal(t, model.TerminationMaxIterations, out.TerminationReason)
		assert.Equal(t, len(requirements), first.calls)
		assert.Equal(t, (limit-1)*len(requirements), deep.calls)
		assert.Equal(t, 2, out.StatusCounts[model.StatusPendingReview])

		final := st.History(context.Background(), "stuck").Latest()
		require.NotNil(t, final)
		assert.Equal(t, limit, final.Iteration)
		assert.Equal(t, model.TerminationMaxIterations, final.TerminationReason)
	}
}

func TestConverge_ReviewerFailureDegrades(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	first := &stubReviewer{err: model.Transient("review", errors.New("rate limited"))}
	deep := &stubReviewer{proposals: goodProposals()}
	j := &stubJudge{verdict: model.StatusApproved}
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: first, DeepPass: deep, Judge: judgeFor(st, cfg, j)})

	out, err := ctrl.Converge(context.Background(), document("paper"))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, model.TerminationConsensus, out.TerminationReason)
	assert.Zero(t, out.Stats[0].Added)
	assert.Equal(t, 2, out.Stats[1].Added)

	for _, c := range out.NewClaims {
		assert.Equal(t, model.SourceDeepPass, c.Source)
	}
}

func TestConverge_DeepPassSeesKnownEvidence(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	first := &stubReviewer{proposals: goodProposals()}
	deep := &stubReviewer{}
	j := &stubJudge{err: errors.New("judge offline")}
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: first, DeepPass: deep, Judge: judgeFor(st, cfg, j)})

	_, err := ctrl.Converge(context.Background(), document("paper"))
	require.NoError(t, err)

	assert.Nil(t, first.known["SR-1.1"])
	assert.Equal(t, []string{"n=400 gives 90% power"}, deep.known["SR-1.1"])
	assert.Equal(t, []string{"PHQ-9 was used"}, deep.known["SR-2.1"])
}

func TestConverge_TriangulationSettlesBorderlineClaims(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	reviewer := &stubReviewer{proposals: map[string][]agent.Proposal{
		"SR-1.1": {proposal("power analysis reported", 3.2), proposal("sample size was computed a priori", 3.4)},
	}}
	j := &stubJudge{verdict: model.StatusApproved}
	tri, err := triangulate.New(constEmbedder{}, cfg.Triangulation, nil)
	require.NoError(t, err)
	ctrl, _ := newController(t, cfg, Components{
		Store:        st,
		FirstPass:    reviewer,
		Triangulator: tri,
		Judge:        judgeFor(st, cfg, j),
	})

	out, err := ctrl.Converge(context.Background(), document("borderline"))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, model.TerminationConsensus, out.TerminationReason)
	assert.Equal(t, 2, out.Stats[0].Deferred)
	assert.Equal(t, 1, out.Stats[1].Clusters)
	assert.Equal(t, 2, j.withTri)

	for _, c := range st.Latest(context.Background(), "borderline") {
		assert.Equal(t, model.StatusApproved, c.Status)
		require.NotNil(t, c.Triangulation)
		assert.Equal(t, "cluster_0", c.Triangulation.ClusterID)
		assert.Equal(t, model.AgreementStrong, c.Triangulation.AgreementLevel)
	}
}

func TestConverge_WithoutTriangulatorJudgesNeutralClaims(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	// no quality score: the neutral 3.0 sits right on the default threshold
	reviewer := &stubReviewer{proposals: map[string][]agent.Proposal{
		"SR-1.1": {{EvidenceText: "participants were blinded", Confidence: 0.8}},
	}}
	j := &stubJudge{verdict: model.StatusApproved}
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: reviewer, Judge: judgeFor(st, cfg, j)})
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		out, err := ctrl.Converge(ctx, document("unscored"))
		require.NoError(t, err)
		assert.Equal(t, 1, out.Iterations)
		assert.Equal(t, model.TerminationConsensus, out.TerminationReason)
		assert.Equal(t, map[model.Status]int{model.StatusApproved: 1}, out.StatusCounts)
	}
	assert.Equal(t, 1, j.calls)
	assert.Zero(t, j.withTri)
}

func TestConverge_MalformedProposalsSanitised(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	reviewer := &stubReviewer{proposals: map[string][]agent.Proposal{
		"SR-1.1": {
			{EvidenceText: "   "},
			{EvidenceText: "randomisation by sealed envelope", Confidence: 7},
		},
	}}
	j := &stubJudge{err: errors.New("judge offline")}
	cfg.Convergence.MaxIterations = 1
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: reviewer, Judge: judgeFor(st, cfg, j)})

	out, err := ctrl.Converge(context.Background(), document("paper"))
	require.NoError(t, err)
	require.Len(t, out.NewClaims, 1)
	assert.Equal(t, model.DefaultConfidence, out.NewClaims[0].Confidence)
	assert.Nil(t, out.NewClaims[0].Quality)
}

func TestConverge_CancelledContext(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	ctrl, _ := newController(t, cfg, Components{
		Store:     st,
		FirstPass: &stubReviewer{},
		Judge:     judgeFor(st, cfg, &stubJudge{}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctrl.Converge(ctx, document("paper"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Components{}, nil, nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestBatchProcessor_ProcessDocuments(t *testing.T) {
	cfg := model.DefaultConfig()
	st := store.New(store.NewMemoryBackend(), nil)
	reviewer := &stubReviewer{proposals: goodProposals()}
	j := &stubJudge{verdict: model.StatusApproved}
	ctrl, _ := newController(t, cfg, Components{Store: st, FirstPass: reviewer, Judge: judgeFor(st, cfg, j)})

	docs := []Document{document("c"), document("a"), document("b"), document("a")}
	results := NewBatchProcessor(ctrl, 2, nil).ProcessDocuments(context.Background(), docs)

	require.Len(t, results, 3)
	assert.Equal(t, "c", results[0].DocumentID)
	assert.Equal(t, "a", results[1].DocumentID)
	assert.Equal(t, "b", results[2].DocumentID)
	for _, r := range results {
		require.NoError(t, r.Error)
		assert.Equal(t, model.TerminationConsensus, r.Outcome.TerminationReason)
	}

	all, err := st.AllClaims(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestBatchProcessor_Empty(t *testing.T) {
	assert.Empty(t, NewBatchProcessor(nil, 2, nil).ProcessDocuments(context.Background(), nil))
}

func TestLoadRequirementsAndDocuments(t *testing.T) {
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "requirements.yaml")
	require.NoError(t, os.WriteFile(reqPath, []byte(`requirements:
  - pillar: P1
    sub_requirement: SR-1.1
    description: Sample size is justified
  - pillar: P1
    sub_requirement: SR-1.1
  - pillar: P2
    sub_requirement: " SR-2.1 "
`), 0o644))

	reqs, err := LoadRequirements(reqPath)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "Sample size is justified", reqs[0].Description)
	assert.Equal(t, "SR-2.1", reqs[1].SubRequirement)

	docsDir := filepath.Join(dir, "docs")
	require.NoError(t, os.Mkdir(docsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "trial-a.txt"), []byte("methods ..."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "trial-b.md"), []byte("# results"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "blank.txt"), []byte("  \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "figure.png"), []byte{0x89}, 0o644))

	docs, err := LoadDocuments(docsDir, reqs)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "trial-a", docs[0].ID)
	assert.Equal(t, "trial-b", docs[1].ID)
	assert.Len(t, docs[1].Requirements, 2)

	_, err = LoadRequirements(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
