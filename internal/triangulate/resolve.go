package triangulate

import (
	"fmt"
	"math"

	"github.com/ppiankov/concord/internal/model"
)

// Conflict holds the scores on each side of a contradiction
type Conflict struct {
	Approved []float64
	Rejected []float64
}

// Gap is |avg(approved) - avg(rejected)|
func (c Conflict) Gap() float64 {
	return round2(math.Abs(mean(c.Approved) - mean(c.Rejected)))
}

func (c Conflict) all() []float64 {
	out := make([]float64, 0, len(c.Approved)+len(c.Rejected))
	out = append(out, c.Approved...)
	return append(out, c.Rejected...)
}

// Resolver settles a contradiction inside a cluster
type Resolver interface {
	Strategy() model.ResolutionStrategy
	Resolve(c Conflict) model.Resolution
}

// HigherScore keeps the best score among the conflicting claims
type HigherScore struct{}

func (HigherScore) Strategy() model.ResolutionStrategy { return model.StrategyHigherScore }

func (HigherScore) Resolve(c Conflict) model.Resolution {
	best := 0.0
	for _, s := range c.all() {
		if s > best {
			best = s
		}
	}
	return model.Resolution{
		Strategy:      model.StrategyHigherScore,
		ResolvedScore: best,
		ScoreGap:      c.Gap(),
	}
}

// Average settles on the mean of the conflicting scores
type Average struct{}

func (Average) Strategy() model.ResolutionStrategy { return model.StrategyAverage }

func (Average) Resolve(c Conflict) model.Resolution {
	return model.Resolution{
		Strategy:      model.StrategyAverage,
		ResolvedScore: round2(mean(c.all())),
		ScoreGap:      c.Gap(),
	}
}

// ManualReview leaves the score open and flags the cluster for a human
type ManualReview struct{}

func (ManualReview) Strategy() model.ResolutionStrategy { return model.StrategyManualReview }

func (ManualReview) Resolve(c Conflict) model.Resolution {
	return model.Resolution{
		Strategy:          model.StrategyManualReview,
		ScoreGap:          c.Gap(),
		NeedsManualReview: true,
	}
}

// ResolverFor returns the resolver registered under name; empty selects higher_score
func ResolverFor(name string) (Resolver, error) {
	switch model.ResolutionStrategy(name) {
	case "", model.StrategyHigherScore:
		return HigherScore{}, nil
	case model.StrategyAverage:
		return Average{}, nil
	case model.StrategyManualReview:
		return ManualReview{}, nil
	default:
		return nil, model.Validation("resolver", fmt.Errorf("unknown resolution strategy %q", name))
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance of xs
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
