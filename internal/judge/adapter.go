// Package judge applies the claim state machine: it routes borderline claims to
// consensus review, asks the judge collaborator for verdicts, enforces the quality
// threshold and drives the bounded appeal path.
package judge

import (
	"context"
	"math"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/model"
	"github.com/ppiankov/concord/internal/store"
)

// Result summarises one judging pass over a document
type Result struct {
	Judged    int // Verdicts applied
	Approved  int
	Rejected  int
	Deferred  int // Routed to pending_consensus
	Appeals   int // Replacement claims created
	Finalized int // Rejections that exhausted their appeals
	Skipped   int // Claims left unchanged after a failed or unusable verdict

	Changed bool
	Version *model.VersionEntry // Nil when nothing changed
}

// Adapter runs judging passes against the claim store
type Adapter struct {
	store      *store.Store
	judge      agent.Judge
	reanalyzer agent.Reanalyzer
	cfg        model.JudgeConfig
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a judge adapter. A nil reanalyzer disables appeals.
func New(st *store.Store, judge agent.Judge, reanalyzer agent.Reanalyzer, cfg model.JudgeConfig, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAppeals < 0 {
		cfg.MaxAppeals = 0
	}
	return &Adapter{
		store:      st,
		judge:      judge,
		reanalyzer: reanalyzer,
		cfg:        cfg,
		logger:     logger.Named("judge"),
		now:        time.Now,
	}
}

// Borderline reports whether score falls inside the consensus band around the threshold
func (a *Adapter) Borderline(score float64) bool {
	if !a.cfg.Consensus || !a.cfg.QualityScoring {
		return false
	}
	return math.Abs(score-a.cfg.QualityThreshold) <= a.cfg.BorderlineBand
}

// DisableConsensus turns off consensus routing for callers that never supply
// triangulation context. Claims already awaiting consensus are judged directly.
func (a *Adapter) DisableConsensus() {
	a.cfg.Consensus = false
}

// MeetsThreshold reports whether an approved claim satisfies the quality bar
func (a *Adapter) MeetsThreshold(c model.Claim) bool {
	return !a.cfg.QualityScoring || c.Score() >= a.cfg.QualityThreshold
}

// Review judges every non-terminal claim in the latest version of a document and
// appends a single new version when anything changed.
//
// contexts carries the per-claim triangulation of this pass. A nil map means no
// triangulation ran, so claims awaiting consensus stay deferred and existing
// annotations are kept. With consensus disabled they are judged without context.
func (a *Adapter) Review(ctx context.Context, documentID, content string, contexts map[string]*model.Triangulation, opts ...store.AppendOption) (Result, error) {
	var res Result

	history := a.store.History(ctx, documentID)
	latest := history.LatestClaims()
	claims := make([]model.Claim, len(latest))
	known := make(map[string]struct{}, len(latest))
	for i, c := range latest {
		claims[i] = c.Clone()
		known[c.ClaimID] = struct{}{}
	}

	if contexts != nil {
		for i := range claims {
			tri := contexts[claims[i].ClaimID]
			if !reflect.DeepEqual(tri, claims[i].Triangulation) {
				claims[i].Triangulation = tri
				res.Changed = true
			}
		}
	}

	var replacements []model.Claim
	for i := range claims {
		c := &claims[i]
		log := a.logger.With(zap.String("document_id", documentID), zap.String("claim_id", c.ClaimID))

		switch c.Status {
		case model.StatusPendingReview:
			if a.Borderline(c.Score()) {
				c.Status = model.StatusPendingConsensus
				c.UpdatedAt = a.now().UTC()
				res.Deferred++
				res.Changed = true
				log.Debug("borderline claim routed to consensus", zap.Float64("score", c.Score()))
				continue
			}
		case model.StatusPendingConsensus:
			if contexts == nil && a.cfg.Consensus {
				continue
			}
		case model.StatusRejected:
			// an earlier reanalysis failed or found nothing; the verdict stands, the appeal is retried
			if c.FinalDecision || c.SupersededBy != "" || a.reanalyzer == nil {
				continue
			}
			if c.AppealCount >= a.cfg.MaxAppeals {
				c.FinalDecision = true
				c.UpdatedAt = a.now().UTC()
				res.Finalized++
				res.Changed = true
				continue
			}
			if replacement, ok := a.lodgeAppeal(ctx, log, documentID, content, c, history, known); ok {
				replacements = append(replacements, replacement)
				res.Appeals++
				res.Changed = true
			}
			continue
		default:
			continue
		}

		decision, ok := a.decide(ctx, log, *c, contexts[c.ClaimID])
		if !ok {
			res.Skipped++
			continue
		}
		a.apply(c, decision)
		res.Judged++
		res.Changed = true

		if c.Status == model.StatusApproved {
			res.Approved++
			continue
		}
		res.Rejected++

		if c.AppealCount >= a.cfg.MaxAppeals {
			c.FinalDecision = true
			res.Finalized++
			log.Info("appeal refused, decision is final",
				zap.Int("appeal_count", c.AppealCount),
				zap.Int("max_appeals", a.cfg.MaxAppeals))
			continue
		}

		if replacement, ok := a.lodgeAppeal(ctx, log, documentID, content, c, history, known); ok {
			replacements = append(replacements, replacement)
			res.Appeals++
		}
	}

	if !res.Changed {
		return res, nil
	}

	claims = append(claims, replacements...)
	entry, err := a.store.AppendVersion(ctx, documentID, claims, opts...)
	if err != nil {
		return res, err
	}
	res.Version = &entry
	return res, nil
}

// decide asks the judge collaborator for a verdict; failures leave the claim as is
func (a *Adapter) decide(ctx context.Context, log *zap.Logger, c model.Claim, tri *model.Triangulation) (agent.Decision, bool) {
	if a.judge == nil {
		return agent.Decision{}, false
	}
	raw, err := a.judge.Decide(ctx, c, tri)
	if err != nil {
		log.Warn("judge unavailable, claim left unchanged", zap.Error(err))
		return agent.Decision{}, false
	}
	d, ok := agent.NormalizeDecision(raw)
	if !ok {
		log.Warn("unusable verdict, claim left unchanged", zap.String("verdict", string(raw.Status)))
		return agent.Decision{}, false
	}
	return d, true
}

// apply records a verdict, downgrading approvals below the quality threshold
func (a *Adapter) apply(c *model.Claim, d agent.Decision) {
	now := a.now().UTC()
	c.Status = d.Status
	c.JudgeNotes = d.Notes
	if d.Status == model.StatusApproved && !a.MeetsThreshold(*c) {
		c.Status = model.StatusRejected
		note := "composite score below quality threshold"
		if c.JudgeNotes != "" {
			note = c.JudgeNotes + "; " + note
		}
		c.JudgeNotes = note
	}
	c.JudgedAt = &now
	c.UpdatedAt = now
}

// lodgeAppeal links a new replacement to the rejected claim c. Replacements already
// known to the document are dropped.
func (a *Adapter) lodgeAppeal(ctx context.Context, log *zap.Logger, documentID, content string, c *model.Claim, history model.History, known map[string]struct{}) (model.Claim, bool) {
	replacement, ok := a.appeal(ctx, log, documentID, content, *c)
	if !ok {
		return model.Claim{}, false
	}
	if _, dup := known[replacement.ClaimID]; dup || history.Contains(replacement.ClaimID) {
		log.Info("duplicate appeal replacement ignored", zap.String("replacement_id", replacement.ClaimID))
		return model.Claim{}, false
	}
	known[replacement.ClaimID] = struct{}{}
	c.SupersededBy = replacement.ClaimID
	c.UpdatedAt = a.now().UTC()
	return replacement, true
}

// appeal asks the reanalyzer for a replacement of a rejected claim
func (a *Adapter) appeal(ctx context.Context, log *zap.Logger, documentID, content string, rejected model.Claim) (model.Claim, bool) {
	if a.reanalyzer == nil {
		return model.Claim{}, false
	}
	p, err := a.reanalyzer.Reanalyze(ctx, rejected, content)
	if err != nil {
		log.Warn("reanalysis failed, appeal retried next pass", zap.Error(err))
		return model.Claim{}, false
	}
	if p == nil {
		log.Debug("reanalysis found no replacement")
		return model.Claim{}, false
	}
	clean, err := agent.Sanitize(*p)
	if err != nil {
		log.Warn("reanalysis proposal discarded", zap.Error(err))
		return model.Claim{}, false
	}

	req := agent.RequirementContext{Pillar: rejected.Pillar, SubRequirement: rejected.SubRequirement}
	in := clean.ToClaimInput(req, model.SourceAppeal)
	in.AppealCount = rejected.AppealCount + 1
	in.AppealedFrom = rejected.ClaimID
	return model.NewClaim(documentID, in, a.now()), true
}
