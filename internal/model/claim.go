package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the lifecycle state of a claim
type Status string

const (
	StatusPendingReview    Status = "pending_review"    // Initial state, awaiting the judge
	StatusPendingConsensus Status = "pending_consensus" // Borderline score, awaiting triangulated review
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
)

// IsTerminal reports whether no further judging is expected for the status
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPendingReview, StatusPendingConsensus, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Source identifies which reviewer produced a claim
type Source string

const (
	SourceFirstPass Source = "first_pass"
	SourceDeepPass  Source = "deep_pass"
	SourceAppeal    Source = "appeal"
)

const (
	// DefaultScore is the neutral composite score used when a claim carries no quality data
	DefaultScore = 3.0
	// DefaultConfidence is the reviewer confidence used when a proposal omits it
	DefaultConfidence = 0.5

	minScore = 1.0
	maxScore = 5.0
)

// Sub-dimension weights for deriving a composite score
var qualityWeights = map[string]float64{
	"strength":        0.30,
	"rigor":           0.25,
	"relevance":       0.25,
	"directness":      0.10,
	"reproducibility": 0.10,
}

// EvidenceQuality holds the 1-5 quality scores of a claim
type EvidenceQuality struct {
	CompositeScore  float64 `json:"composite_score"`
	Strength        float64 `json:"strength,omitempty"`
	Rigor           float64 `json:"rigor,omitempty"`
	Relevance       float64 `json:"relevance,omitempty"`
	Directness      float64 `json:"directness,omitempty"`
	Reproducibility float64 `json:"reproducibility,omitempty"`
}

// Normalize drops out-of-range sub-scores and derives the composite when it is missing.
// It returns false when nothing usable remains.
func (q *EvidenceQuality) Normalize() bool {
	dims := map[string]*float64{
		"strength":        &q.Strength,
		"rigor":           &q.Rigor,
		"relevance":       &q.Relevance,
		"directness":      &q.Directness,
		"reproducibility": &q.Reproducibility,
	}

	var weighted, total float64
	for name, v := range dims {
		if *v < minScore || *v > maxScore {
			*v = 0
			continue
		}
		weighted += *v * qualityWeights[name]
		total += qualityWeights[name]
	}

	if q.CompositeScore < minScore || q.CompositeScore > maxScore {
		q.CompositeScore = 0
	}
	if q.CompositeScore == 0 && total > 0 {
		q.CompositeScore = roundScore(weighted / total)
	}

	return q.CompositeScore > 0
}

func roundScore(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// Provenance locates the evidence inside the source document
type Provenance struct {
	PageNumbers []int  `json:"page_numbers,omitempty"`
	Section     string `json:"section,omitempty"`
	CharStart   int    `json:"char_start,omitempty"`
	CharEnd     int    `json:"char_end,omitempty"`
	Context     string `json:"context,omitempty"`
}

// Claim is one candidate piece of evidence for one sub-requirement in one document
type Claim struct {
	ClaimID        string           `json:"claim_id"`
	Pillar         string           `json:"pillar"`
	SubRequirement string           `json:"sub_requirement"`
	EvidenceText   string           `json:"evidence_text"`
	Summary        string           `json:"summary,omitempty"`
	Status         Status           `json:"status"`
	Quality        *EvidenceQuality `json:"evidence_quality,omitempty"`
	Provenance     Provenance       `json:"provenance"`
	Source         Source           `json:"source"`
	Confidence     float64          `json:"confidence"`

	AppealCount   int    `json:"appeal_count"`
	FinalDecision bool   `json:"final_decision"`
	AppealedFrom  string `json:"appealed_from,omitempty"` // Rejected claim this one replaces
	SupersededBy  string `json:"superseded_by,omitempty"` // Appeal replacement of this claim

	JudgeNotes string     `json:"judge_notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	JudgedAt   *time.Time `json:"judged_at,omitempty"`

	Triangulation *Triangulation `json:"triangulation,omitempty"` // Last triangulation pass annotation
}

// Score returns the composite score, or DefaultScore when the claim has no quality data
func (c Claim) Score() float64 {
	if c.Quality == nil || c.Quality.CompositeScore <= 0 {
		return DefaultScore
	}
	return c.Quality.CompositeScore
}

// HasQuality reports whether the claim carries a composite score
func (c Claim) HasQuality() bool {
	return c.Quality != nil && c.Quality.CompositeScore > 0
}

// Clone returns a deep copy of the claim
func (c Claim) Clone() Claim {
	out := c
	if c.Quality != nil {
		q := *c.Quality
		out.Quality = &q
	}
	if c.Provenance.PageNumbers != nil {
		out.Provenance.PageNumbers = append([]int(nil), c.Provenance.PageNumbers...)
	}
	if c.JudgedAt != nil {
		t := *c.JudgedAt
		out.JudgedAt = &t
	}
	if c.Triangulation != nil {
		tr := *c.Triangulation
		out.Triangulation = &tr
	}
	return out
}

// ClaimInput carries the reviewer-supplied fields of a new claim
type ClaimInput struct {
	Pillar         string
	SubRequirement string
	EvidenceText   string
	Summary        string
	Quality        *EvidenceQuality
	Provenance     Provenance
	Source         Source
	Confidence     float64
	AppealCount    int
	AppealedFrom   string
}

// NewClaim builds a pending claim with every documented default applied
func NewClaim(documentID string, in ClaimInput, now time.Time) Claim {
	evidence := strings.TrimSpace(in.EvidenceText)

	source := in.Source
	if source == "" {
		source = SourceFirstPass
	}

	confidence := in.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultConfidence
	}

	var quality *EvidenceQuality
	if in.Quality != nil {
		q := *in.Quality
		if q.Normalize() {
			quality = &q
		}
	}

	c := Claim{
		ClaimID:        ClaimID(documentID, in.SubRequirement, evidence),
		Pillar:         strings.TrimSpace(in.Pillar),
		SubRequirement: strings.TrimSpace(in.SubRequirement),
		EvidenceText:   evidence,
		Summary:        strings.TrimSpace(in.Summary),
		Status:         StatusPendingReview,
		Quality:        quality,
		Provenance:     in.Provenance,
		Source:         source,
		Confidence:     confidence,
		AppealCount:    in.AppealCount,
		AppealedFrom:   in.AppealedFrom,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	if c.AppealCount < 0 {
		c.AppealCount = 0
	}
	return c
}

// ClaimID derives the deterministic identifier of a claim
func ClaimID(documentID, subRequirement, evidenceText string) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.TrimSpace(subRequirement)))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.TrimSpace(evidenceText)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DocumentClaim is a claim tagged with the document it belongs to
type DocumentClaim struct {
	DocumentID string `json:"document_id"`
	Claim
}
