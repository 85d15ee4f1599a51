package agent

import (
	"context"

	"github.com/ppiankov/concord/internal/model"
	"github.com/ppiankov/concord/internal/worker"
)

// Rate limiter keys, one per collaborator kind
const (
	KeyFirstPass  = "first_pass"
	KeyDeepPass   = "deep_pass"
	KeyJudge      = "judge"
	KeyReanalysis = "reanalysis"
	KeyEmbedding  = "embedding"
)

// GuardedReviewer retries and rate-limits a Reviewer
type GuardedReviewer struct {
	Reviewer
	guard *worker.Guard
	key   string
}

// GuardReviewer wraps r with guard under the given limiter key
func GuardReviewer(r Reviewer, guard *worker.Guard, key string) *GuardedReviewer {
	return &GuardedReviewer{Reviewer: r, guard: guard, key: key}
}

// Propose calls the wrapped reviewer with bounded retries
func (g *GuardedReviewer) Propose(ctx context.Context, content string, req RequirementContext) ([]Proposal, error) {
	var out []Proposal
	err := g.guard.Do(ctx, g.key, func(ctx context.Context) error {
		var err error
		out, err = g.Reviewer.Propose(ctx, content, req)
		return err
	})
	return out, err
}

// GuardedJudge retries and rate-limits a Judge
type GuardedJudge struct {
	Judge
	guard *worker.Guard
}

// GuardJudge wraps j with guard
func GuardJudge(j Judge, guard *worker.Guard) *GuardedJudge {
	return &GuardedJudge{Judge: j, guard: guard}
}

// Decide calls the wrapped judge with bounded retries
func (g *GuardedJudge) Decide(ctx context.Context, claim model.Claim, tri *model.Triangulation) (Decision, error) {
	var out Decision
	err := g.guard.Do(ctx, KeyJudge, func(ctx context.Context) error {
		var err error
		out, err = g.Judge.Decide(ctx, claim, tri)
		return err
	})
	return out, err
}

// GuardedReanalyzer retries and rate-limits a Reanalyzer
type GuardedReanalyzer struct {
	Reanalyzer
	guard *worker.Guard
}

// GuardReanalyzer wraps r with guard
func GuardReanalyzer(r Reanalyzer, guard *worker.Guard) *GuardedReanalyzer {
	return &GuardedReanalyzer{Reanalyzer: r, guard: guard}
}

// Reanalyze calls the wrapped reanalyzer with bounded retries
func (g *GuardedReanalyzer) Reanalyze(ctx context.Context, claim model.Claim, content string) (*Proposal, error) {
	var out *Proposal
	err := g.guard.Do(ctx, KeyReanalysis, func(ctx context.Context) error {
		var err error
		out, err = g.Reanalyzer.Reanalyze(ctx, claim, content)
		return err
	})
	return out, err
}

// GuardedEmbedder retries and rate-limits an Embedder
type GuardedEmbedder struct {
	Embedder
	guard *worker.Guard
}

// GuardEmbedder wraps e with guard
func GuardEmbedder(e Embedder, guard *worker.Guard) *GuardedEmbedder {
	return &GuardedEmbedder{Embedder: e, guard: guard}
}

// Embed calls the wrapped embedder with bounded retries
func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := g.guard.Do(ctx, KeyEmbedding, func(ctx context.Context) error {
		var err error
		out, err = g.Embedder.Embed(ctx, text)
		return err
	})
	return out, err
}
