package model

import "time"

// TerminationReason explains why the convergence loop stopped
type TerminationReason string

const (
	TerminationConsensus     TerminationReason = "consensus_reached"
	TerminationMaxIterations TerminationReason = "max_iterations"
)

// Delta maps claim_id to the numeric field differences against the previous version
type Delta map[string]map[string]float64

// VersionEntry is one immutable snapshot of a document's claim set
type VersionEntry struct {
	Timestamp         time.Time         `json:"timestamp"`
	Claims            []Claim           `json:"claims"`
	Delta             Delta             `json:"delta,omitempty"`
	Iteration         int               `json:"iteration,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// Clone returns a deep copy of the entry
func (v VersionEntry) Clone() VersionEntry {
	out := v
	out.Claims = make([]Claim, len(v.Claims))
	for i, c := range v.Claims {
		out.Claims[i] = c.Clone()
	}
	if v.Delta != nil {
		out.Delta = make(Delta, len(v.Delta))
		for id, fields := range v.Delta {
			m := make(map[string]float64, len(fields))
			for k, d := range fields {
				m[k] = d
			}
			out.Delta[id] = m
		}
	}
	return out
}

// History is the ordered, append-only version list of one document
type History struct {
	DocumentID string         `json:"document_id"`
	Versions   []VersionEntry `json:"versions"`
}

// Latest returns the most recent entry, or nil for an empty history
func (h History) Latest() *VersionEntry {
	if len(h.Versions) == 0 {
		return nil
	}
	return &h.Versions[len(h.Versions)-1]
}

// LatestClaims returns the claim list of the most recent entry
func (h History) LatestClaims() []Claim {
	latest := h.Latest()
	if latest == nil {
		return []Claim{}
	}
	return latest.Claims
}

// Contains reports whether claimID appears in any entry of the history
func (h History) Contains(claimID string) bool {
	for _, v := range h.Versions {
		for _, c := range v.Claims {
			if c.ClaimID == claimID {
				return true
			}
		}
	}
	return false
}

// ComputeDelta returns the numeric field differences of claims present in both lists.
// Only fields that changed are recorded.
func ComputeDelta(previous, current []Claim) Delta {
	prev := make(map[string]Claim, len(previous))
	for _, c := range previous {
		prev[c.ClaimID] = c
	}

	delta := Delta{}
	for _, c := range current {
		p, ok := prev[c.ClaimID]
		if !ok {
			continue
		}
		before := numericFields(p)
		after := numericFields(c)
		for k := range before {
			if _, ok := after[k]; !ok {
				after[k] = 0
			}
		}
		changes := make(map[string]float64)
		for k, v := range after {
			if d := roundDelta(v - before[k]); d != 0 {
				changes[k] = d
			}
		}
		if len(changes) > 0 {
			delta[c.ClaimID] = changes
		}
	}
	return delta
}

func numericFields(c Claim) map[string]float64 {
	fields := map[string]float64{
		"confidence":   c.Confidence,
		"appeal_count": float64(c.AppealCount),
	}
	if c.Quality != nil {
		fields["composite_score"] = c.Quality.CompositeScore
		fields["strength"] = c.Quality.Strength
		fields["rigor"] = c.Quality.Rigor
		fields["relevance"] = c.Quality.Relevance
		fields["directness"] = c.Quality.Directness
		fields["reproducibility"] = c.Quality.Reproducibility
	}
	return fields
}

func roundDelta(v float64) float64 {
	if v < 0 {
		return -roundScore(-v)
	}
	return roundScore(v)
}
