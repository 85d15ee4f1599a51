// Package triangulate reconciles claims proposed by different reviewers by clustering
// semantically similar evidence and grading how well the members agree.
package triangulate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/model"
)

// Triangulator clusters claims and computes agreement and contradiction metadata.
// It never changes claim status.
type Triangulator struct {
	embedder agent.Embedder
	cfg      model.TriangulationConfig
	resolver Resolver
	logger   *zap.Logger
}

// New creates a triangulator using embedder for semantic similarity
func New(embedder agent.Embedder, cfg model.TriangulationConfig, logger *zap.Logger) (*Triangulator, error) {
	if embedder == nil {
		return nil, model.Validation("new triangulator", fmt.Errorf("embedder is required"))
	}
	resolver, err := ResolverFor(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	if cfg.StrongVariance <= 0 {
		cfg.StrongVariance = 0.3
	}
	if cfg.ModerateVariance < cfg.StrongVariance {
		cfg.ModerateVariance = math.Max(0.7, cfg.StrongVariance)
	}
	return &Triangulator{
		embedder: embedder,
		cfg:      cfg,
		resolver: resolver,
		logger:   logger.Named("triangulate"),
	}, nil
}

// WithResolver replaces the contradiction resolution policy
func (t *Triangulator) WithResolver(r Resolver) *Triangulator {
	t.resolver = r
	return t
}

type point struct {
	claim  model.DocumentClaim
	vector []float32
}

// Triangulate clusters claims whose cosine similarity is at least threshold.
// A threshold outside (0, 1] falls back to the configured one. Claims that
// cannot be embedded are left out; an empty input yields an empty result.
func (t *Triangulator) Triangulate(ctx context.Context, claims []model.DocumentClaim, threshold float64) (map[string]model.Cluster, error) {
	clusters := make(map[string]model.Cluster)
	if len(claims) == 0 {
		return clusters, nil
	}
	if threshold <= 0 || threshold > 1 {
		threshold = t.cfg.SimilarityThreshold
	}

	ordered := append([]model.DocumentClaim(nil), claims...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ClaimID != ordered[j].ClaimID {
			return ordered[i].ClaimID < ordered[j].ClaimID
		}
		return ordered[i].DocumentID < ordered[j].DocumentID
	})

	points := make([]point, 0, len(ordered))
	for _, c := range ordered {
		vec, err := t.embedder.Embed(ctx, c.EvidenceText)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.Warn("embedding failed, claim left unclustered",
				zap.String("document_id", c.DocumentID),
				zap.String("claim_id", c.ClaimID),
				zap.Error(err))
			continue
		}
		points = append(points, point{claim: c, vector: vec})
	}

	vectors := make([][]float32, len(points))
	for i, p := range points {
		vectors[i] = p.vector
	}
	labels := dbscan(vectors, 1-threshold, t.cfg.MinClusterSize)

	groups := make(map[int][]model.DocumentClaim)
	for i, label := range labels {
		if label == noise {
			continue
		}
		groups[label] = append(groups[label], points[i].claim)
	}

	for label, members := range groups {
		id := fmt.Sprintf("cluster_%d", label-1)
		clusters[id] = t.summarize(id, members)
	}

	t.logger.Debug("triangulation complete",
		zap.Int("claims", len(claims)),
		zap.Int("embedded", len(points)),
		zap.Int("clusters", len(clusters)))
	return clusters, nil
}

// summarize computes the cluster summary; members arrive in ascending claim_id order
func (t *Triangulator) summarize(id string, members []model.DocumentClaim) model.Cluster {
	c := model.Cluster{ClusterID: id}

	docs := make(map[string]struct{})
	subs := make(map[string]struct{})
	var conflict Conflict
	bestScore := math.Inf(-1)

	for _, m := range members {
		score := m.Score()
		c.MemberIDs = append(c.MemberIDs, m.ClaimID)
		c.Scores = append(c.Scores, score)
		docs[m.DocumentID] = struct{}{}
		subs[m.SubRequirement] = struct{}{}

		switch m.Status {
		case model.StatusApproved:
			conflict.Approved = append(conflict.Approved, score)
		case model.StatusRejected:
			conflict.Rejected = append(conflict.Rejected, score)
		}

		// strict comparison keeps the lowest claim_id on ties
		if score > bestScore {
			bestScore = score
			c.Representative = m.ClaimID
		}
	}

	c.SupportingDocuments = sortedKeys(docs)
	c.SubRequirements = sortedKeys(subs)
	c.MeanScore = round2(mean(c.Scores))
	v := variance(c.Scores)
	c.Variance = math.Round(v*1e4) / 1e4
	c.AgreementLevel = t.agreement(v)

	c.HasContradiction = len(conflict.Approved) > 0 && len(conflict.Rejected) > 0
	if c.HasContradiction {
		r := t.resolver.Resolve(conflict)
		c.Resolution = &r
	}
	return c
}

// agreement grades variance against the configured breakpoints
func (t *Triangulator) agreement(v float64) model.AgreementLevel {
	switch {
	case v < t.cfg.StrongVariance:
		return model.AgreementStrong
	case v < t.cfg.ModerateVariance:
		return model.AgreementModerate
	default:
		return model.AgreementWeak
	}
}

// ContextByClaim flattens clusters into per-claim annotations for the judge
func ContextByClaim(clusters map[string]model.Cluster) map[string]*model.Triangulation {
	out := make(map[string]*model.Triangulation)
	for _, c := range clusters {
		for _, id := range c.MemberIDs {
			tri := &model.Triangulation{
				ClusterID:        c.ClusterID,
				AgreementLevel:   c.AgreementLevel,
				ConsensusScore:   c.MeanScore,
				ClusterSize:      len(c.MemberIDs),
				HasContradiction: c.HasContradiction,
			}
			if c.Resolution != nil {
				tri.ResolvedScore = c.Resolution.ResolvedScore
				tri.NeedsManualReview = c.Resolution.NeedsManualReview
			}
			out[id] = tri
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
