// Package agent defines the external collaborators the convergence engine talks to:
// review agents, the judge, the reanalysis agent and the embedding provider.
// They are black boxes; the engine only relies on the contracts below.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/ppiankov/concord/internal/model"
)

// RequirementContext describes the research requirement a reviewer should evidence
type RequirementContext struct {
	Pillar         string   `json:"pillar" yaml:"pillar"`
	SubRequirement string   `json:"sub_requirement" yaml:"sub_requirement"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	KnownEvidence  []string `json:"known_evidence,omitempty" yaml:"-"` // Evidence already found (deep pass only)
}

// Proposal is one piece of evidence suggested by a reviewer
type Proposal struct {
	EvidenceText string                 `json:"evidence_text"`
	Summary      string                 `json:"summary"`
	PageNumber   int                    `json:"page_number,omitempty"`
	Section      string                 `json:"section,omitempty"`
	Confidence   float64                `json:"confidence,omitempty"`
	Quality      *model.EvidenceQuality `json:"evidence_quality,omitempty"`
}

// Decision is the judge's verdict on one claim
type Decision struct {
	Status model.Status `json:"status"`
	Notes  string       `json:"notes"`
}

// Reviewer proposes evidence for a requirement from document content
type Reviewer interface {
	Propose(ctx context.Context, content string, req RequirementContext) ([]Proposal, error)
}

// Judge decides a claim, optionally informed by triangulation
type Judge interface {
	Decide(ctx context.Context, claim model.Claim, tri *model.Triangulation) (Decision, error)
}

// Reanalyzer re-evidences a rejected claim. A nil proposal means no replacement was found.
type Reanalyzer interface {
	Reanalyze(ctx context.Context, claim model.Claim, content string) (*Proposal, error)
}

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyEvidence is returned for proposals without evidence text
var ErrEmptyEvidence = errors.New("proposal has no evidence text")

// Sanitize applies the documented defaults to a proposal.
// Missing confidence becomes neutral, out-of-range scores are dropped;
// only a proposal without evidence text is rejected.
func Sanitize(p Proposal) (Proposal, error) {
	p.EvidenceText = strings.TrimSpace(p.EvidenceText)
	p.Summary = strings.TrimSpace(p.Summary)
	p.Section = strings.TrimSpace(p.Section)

	if p.EvidenceText == "" {
		return p, model.Validation("sanitize proposal", ErrEmptyEvidence)
	}
	if p.Confidence <= 0 || p.Confidence > 1 {
		p.Confidence = model.DefaultConfidence
	}
	if p.PageNumber < 0 {
		p.PageNumber = 0
	}
	if p.Quality != nil {
		q := *p.Quality
		if q.Normalize() {
			p.Quality = &q
		} else {
			p.Quality = nil
		}
	}
	return p, nil
}

// ToClaimInput converts a sanitized proposal into claim fields for req
func (p Proposal) ToClaimInput(req RequirementContext, source model.Source) model.ClaimInput {
	var pages []int
	if p.PageNumber > 0 {
		pages = []int{p.PageNumber}
	}
	return model.ClaimInput{
		Pillar:         req.Pillar,
		SubRequirement: req.SubRequirement,
		EvidenceText:   p.EvidenceText,
		Summary:        p.Summary,
		Quality:        p.Quality,
		Provenance: model.Provenance{
			PageNumbers: pages,
			Section:     p.Section,
		},
		Source:     source,
		Confidence: p.Confidence,
	}
}

// NormalizeDecision maps free-form verdicts onto claim statuses.
// Anything other than an approval or rejection is reported as not ok.
func NormalizeDecision(d Decision) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(string(d.Status))) {
	case "approved", "approve", "accept", "accepted":
		d.Status = model.StatusApproved
	case "rejected", "reject", "deny", "denied":
		d.Status = model.StatusRejected
	default:
		return d, false
	}
	d.Notes = strings.TrimSpace(d.Notes)
	return d, true
}
