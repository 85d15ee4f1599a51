package model

// AgreementLevel grades how closely the members of a cluster agree on quality
type AgreementLevel string

const (
	AgreementStrong   AgreementLevel = "strong"
	AgreementModerate AgreementLevel = "moderate"
	AgreementWeak     AgreementLevel = "weak"
)

// ResolutionStrategy names a contradiction resolution policy
type ResolutionStrategy string

const (
	StrategyHigherScore  ResolutionStrategy = "higher_score"
	StrategyAverage      ResolutionStrategy = "average"
	StrategyManualReview ResolutionStrategy = "manual_review"
)

// Resolution records how a contradiction inside a cluster was settled
type Resolution struct {
	Strategy          ResolutionStrategy `json:"strategy"`
	ResolvedScore     float64            `json:"resolved_composite_score,omitempty"`
	ScoreGap          float64            `json:"score_gap"`
	NeedsManualReview bool               `json:"needs_manual_review,omitempty"`
}

// Cluster summarises semantically similar claims about the same requirement.
// Clusters are recomputed on every pass and never persisted on their own.
type Cluster struct {
	ClusterID           string         `json:"cluster_id"`
	Representative      string         `json:"representative_claim_id"`
	SupportingDocuments []string       `json:"supporting_documents"`
	MemberIDs           []string       `json:"member_ids"`
	SubRequirements     []string       `json:"sub_requirements"`
	Scores              []float64      `json:"scores"`
	MeanScore           float64        `json:"mean_score"`
	Variance            float64        `json:"variance"`
	AgreementLevel      AgreementLevel `json:"agreement_level"`
	HasContradiction    bool           `json:"has_contradiction"`
	Resolution          *Resolution    `json:"resolution,omitempty"`
}

// Triangulation is the per-claim view of a cluster, written back onto claims
// and handed to the judge as context
type Triangulation struct {
	ClusterID         string         `json:"cluster_id"`
	AgreementLevel    AgreementLevel `json:"agreement_level"`
	ConsensusScore    float64        `json:"consensus_score"`
	ClusterSize       int            `json:"cluster_size"`
	HasContradiction  bool           `json:"has_contradiction"`
	ResolvedScore     float64        `json:"resolved_composite_score,omitempty"`
	NeedsManualReview bool           `json:"needs_manual_review,omitempty"`
}
