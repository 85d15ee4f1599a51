// Package converge drives the bounded review, triangulate and judge loop per document
// until every claim reaches a terminal decision or the iteration budget runs out.
package converge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/judge"
	"github.com/ppiankov/concord/internal/model"
	"github.com/ppiankov/concord/internal/store"
	"github.com/ppiankov/concord/internal/triangulate"
)

// Document is one unit of convergence work
type Document struct {
	ID           string
	Content      string
	Requirements []agent.RequirementContext
}

// Triangulator clusters a document's accumulated claims
type Triangulator interface {
	Triangulate(ctx context.Context, claims []model.DocumentClaim, threshold float64) (map[string]model.Cluster, error)
}

// Components are the collaborators the controller orchestrates
type Components struct {
	Store        *store.Store
	FirstPass    agent.Reviewer
	DeepPass     agent.Reviewer // Falls back to FirstPass when nil
	Triangulator Triangulator   // Nil disables triangulation
	Judge        *judge.Adapter
}

// IterationStats records what one pass of the loop did
type IterationStats struct {
	Iteration int `json:"iteration"`
	Proposed  int `json:"proposed"`
	Added     int `json:"added"`
	Clusters  int `json:"clusters"`
	Judged    int `json:"judged"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Deferred  int `json:"deferred"`
	Appeals   int `json:"appeals"`
	Skipped   int `json:"skipped"`
}

// Outcome is the result of converging one document
type Outcome struct {
	DocumentID        string                  `json:"document_id"`
	RunID             string                  `json:"run_id"`
	Iterations        int                     `json:"iterations"`
	TerminationReason model.TerminationReason `json:"termination_reason"`
	StatusCounts      map[model.Status]int    `json:"status_counts"`
	NewClaims         []model.Claim           `json:"new_claims"`
	Stats             []IterationStats        `json:"stats"`
	Duration          time.Duration           `json:"duration"`
}

// Controller is the only component with looping control flow
type Controller struct {
	store        *store.Store
	firstPass    agent.Reviewer
	deepPass     agent.Reviewer
	triangulator Triangulator
	judge        *judge.Adapter

	maxIterations int
	threshold     float64
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a controller. Store, first-pass reviewer and judge adapter are required.
// Without a triangulator the judge adapter's consensus routing is switched off.
func New(c Components, cfg *model.Config, logger *zap.Logger) (*Controller, error) {
	if c.Store == nil || c.FirstPass == nil || c.Judge == nil {
		return nil, model.Validation("new controller", fmt.Errorf("store, first-pass reviewer and judge are required"))
	}
	if cfg == nil {
		cfg = model.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	deep := c.DeepPass
	if deep == nil {
		deep = c.FirstPass
	}
	if c.Triangulator == nil {
		// nothing would ever resolve pending_consensus
		c.Judge.DisableConsensus()
	}
	maxIter := cfg.Convergence.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}
	return &Controller{
		store:         c.Store,
		firstPass:     c.FirstPass,
		deepPass:      deep,
		triangulator:  c.Triangulator,
		judge:         c.Judge,
		maxIterations: maxIter,
		threshold:     cfg.Triangulation.SimilarityThreshold,
		logger:        logger.Named("converge"),
		now:           time.Now,
	}, nil
}

// Converge runs the loop for one document. Collaborator failures degrade to
// "no result this stage"; only persistence failures and a done context are returned.
// Callers must not converge the same document concurrently.
func (c *Controller) Converge(ctx context.Context, doc Document) (*Outcome, error) {
	start := c.now()
	out := &Outcome{
		DocumentID:        doc.ID,
		RunID:             uuid.NewString(),
		TerminationReason: model.TerminationMaxIterations,
		StatusCounts:      map[model.Status]int{},
		NewClaims:         []model.Claim{},
	}
	log := c.logger.With(zap.String("document_id", doc.ID), zap.String("run_id", out.RunID))

	before := c.store.History(ctx, doc.ID)
	changed := false

	for iter := 1; iter <= c.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("converge %s: %w", doc.ID, err)
		}
		stats := IterationStats{Iteration: iter}
		ilog := log.With(zap.Int("iteration", iter))

		var reviewer agent.Reviewer
		source := model.SourceFirstPass
		if iter == 1 {
			reviewer = c.firstPass
		} else {
			reviewer = c.deepPass
			source = model.SourceDeepPass
		}

		proposed := c.review(ctx, ilog, reviewer, source, doc)
		stats.Proposed = len(proposed)
		if len(proposed) > 0 {
			added, err := c.store.AddClaims(ctx, doc.ID, proposed, store.WithIteration(iter))
			if err != nil {
				return out, fmt.Errorf("converge %s: add claims: %w", doc.ID, err)
			}
			stats.Added = len(added)
			changed = changed || len(added) > 0
		}

		var contexts map[string]*model.Triangulation
		if iter >= 2 && c.triangulator != nil {
			contexts = c.triangulate(ctx, ilog, doc.ID, &stats)
		}

		res, err := c.judge.Review(ctx, doc.ID, doc.Content, contexts, store.WithIteration(iter))
		if err != nil {
			return out, fmt.Errorf("converge %s: judge: %w", doc.ID, err)
		}
		stats.Judged = res.Judged
		stats.Approved = res.Approved
		stats.Rejected = res.Rejected
		stats.Deferred = res.Deferred
		stats.Appeals = res.Appeals
		stats.Skipped = res.Skipped
		changed = changed || res.Changed

		out.Iterations = iter
		out.Stats = append(out.Stats, stats)
		ilog.Debug("iteration complete",
			zap.Int("added", stats.Added),
			zap.Int("judged", stats.Judged),
			zap.Int("clusters", stats.Clusters))

		if c.converged(c.store.Latest(ctx, doc.ID)) {
			out.TerminationReason = model.TerminationConsensus
			break
		}
	}

	if err := c.finish(ctx, doc.ID, out, changed); err != nil {
		return out, err
	}

	latest := c.store.Latest(ctx, doc.ID)
	for _, cl := range latest {
		out.StatusCounts[cl.Status]++
		if !before.Contains(cl.ClaimID) {
			out.NewClaims = append(out.NewClaims, cl)
		}
	}
	out.Duration = c.now().Sub(start)

	log.Info("document finished",
		zap.Int("iterations", out.Iterations),
		zap.String("termination_reason", string(out.TerminationReason)),
		zap.Int("claims", len(latest)),
		zap.Int("new_claims", len(out.NewClaims)))
	return out, nil
}

// finish records the iteration count and termination reason in a final version.
// Documents without claims get no history, and an unchanged rerun that ends the
// same way as the latest version appends nothing.
func (c *Controller) finish(ctx context.Context, documentID string, out *Outcome, changed bool) error {
	h := c.store.History(ctx, documentID)
	latest := h.Latest()
	if latest == nil || len(latest.Claims) == 0 {
		return nil
	}
	if !changed && latest.TerminationReason == out.TerminationReason {
		return nil
	}
	_, err := c.store.AppendVersion(ctx, documentID, latest.Claims,
		store.WithIteration(out.Iterations),
		store.WithTermination(out.TerminationReason))
	if err != nil {
		return fmt.Errorf("converge %s: record termination: %w", documentID, err)
	}
	return nil
}

// review asks the reviewer for evidence on every requirement. A failing call
// contributes no claims; malformed proposals are sanitised or dropped.
func (c *Controller) review(ctx context.Context, log *zap.Logger, reviewer agent.Reviewer, source model.Source, doc Document) []model.Claim {
	var known map[string][]string
	if source == model.SourceDeepPass {
		known = make(map[string][]string)
		for _, cl := range c.store.Latest(ctx, doc.ID) {
			known[cl.SubRequirement] = append(known[cl.SubRequirement], cl.EvidenceText)
		}
	}

	var claims []model.Claim
	for _, req := range doc.Requirements {
		req.KnownEvidence = known[req.SubRequirement]

		proposals, err := reviewer.Propose(ctx, doc.Content, req)
		if err != nil {
			log.Warn("reviewer failed, no claims this stage",
				zap.String("source", string(source)),
				zap.String("sub_requirement", req.SubRequirement),
				zap.Error(err))
			continue
		}
		for _, p := range proposals {
			clean, err := agent.Sanitize(p)
			if err != nil {
				log.Debug("proposal discarded", zap.String("sub_requirement", req.SubRequirement), zap.Error(err))
				continue
			}
			claims = append(claims, model.NewClaim(doc.ID, clean.ToClaimInput(req, source), c.now()))
		}
	}
	return claims
}

// triangulate clusters the document's claims. A failed pass is treated as no triangulation.
func (c *Controller) triangulate(ctx context.Context, log *zap.Logger, documentID string, stats *IterationStats) map[string]*model.Triangulation {
	latest := c.store.Latest(ctx, documentID)
	claims := make([]model.DocumentClaim, len(latest))
	for i, cl := range latest {
		claims[i] = model.DocumentClaim{DocumentID: documentID, Claim: cl}
	}

	clusters, err := c.triangulator.Triangulate(ctx, claims, c.threshold)
	if err != nil {
		log.Warn("triangulation failed", zap.Error(err))
		return nil
	}
	stats.Clusters = len(clusters)
	return triangulate.ContextByClaim(clusters)
}

// converged holds when the document has claims, none is pending, and every
// approval meets the quality threshold
func (c *Controller) converged(claims []model.Claim) bool {
	if len(claims) == 0 {
		return false
	}
	for _, cl := range claims {
		switch cl.Status {
		case model.StatusPendingReview, model.StatusPendingConsensus:
			return false
		case model.StatusApproved:
			if !c.judge.MeetsThreshold(cl) {
				return false
			}
		}
	}
	return true
}
