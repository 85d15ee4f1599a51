package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/model"
)

// maxContentChars bounds the document text sent in one prompt
const maxContentChars = 60000

// ParseJSON extracts and unmarshals the JSON object in an LLM reply.
// It tolerates markdown fences and prose around the object.
func ParseJSON[T any](response string) (T, error) {
	var zero T

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end < start {
		return zero, model.Validation("parse reply", fmt.Errorf("no JSON object found in response"))
	}

	var result T
	if err := json.Unmarshal([]byte(response[start:end+1]), &result); err != nil {
		return zero, model.Validation("parse reply", fmt.Errorf("unmarshal JSON: %w", err))
	}
	return result, nil
}

func truncate(content string) string {
	if len(content) <= maxContentChars {
		return content
	}
	cut := maxContentChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "\n[... truncated]"
}

const reviewSystem = `You are a systematic reviewer. You quote evidence from a document that supports one research requirement.
Rules:
1. Quote passages verbatim. Never paraphrase inside evidence_text.
2. Only report evidence that is present in the document. An empty list is a valid answer.
3. Rate each passage 1-5 on strength, rigor, relevance, directness and reproducibility.
Reply with JSON: {"claims":[{"evidence_text":"...","summary":"...","page_number":0,"section":"...","confidence":0.0,"evidence_quality":{"strength":0,"rigor":0,"relevance":0,"directness":0,"reproducibility":0}}]}`

type reviewReply struct {
	Claims []agent.Proposal `json:"claims"`
}

// ReviewAgent proposes evidence for a requirement using an LLM
type ReviewAgent struct {
	provider Provider
	deep     bool
}

// NewReviewAgent creates a first-pass reviewer
func NewReviewAgent(p Provider) *ReviewAgent {
	return &ReviewAgent{provider: p}
}

// NewDeepReviewAgent creates a reviewer that looks for evidence missed so far
func NewDeepReviewAgent(p Provider) *ReviewAgent {
	return &ReviewAgent{provider: p, deep: true}
}

// Propose asks the model for evidence supporting req
func (a *ReviewAgent) Propose(ctx context.Context, content string, req agent.RequirementContext) ([]agent.Proposal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Requirement %s (pillar %s)", req.SubRequirement, req.Pillar)
	if req.Description != "" {
		fmt.Fprintf(&b, ": %s", req.Description)
	}
	b.WriteString("\n\n")

	if a.deep {
		b.WriteString("This is a second, deeper pass. Look for supporting passages that were missed, such as tables, supplementary methods and limitations.\n")
		if len(req.KnownEvidence) > 0 {
			b.WriteString("Do not repeat these passages, they are already recorded:\n")
			for _, e := range req.KnownEvidence {
				fmt.Fprintf(&b, "- %q\n", e)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Document:\n<<<\n%s\n>>>", truncate(content))

	resp, err := a.provider.Complete(ctx, CompletionRequest{
		System: reviewSystem,
		Prompt: b.String(),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	reply, err := ParseJSON[reviewReply](resp.Text)
	if err != nil {
		return nil, err
	}
	return reply.Claims, nil
}

const judgeSystem = `You are the judge of a systematic review. You decide whether a quoted passage is adequate evidence for its requirement.
You assess support quality, never whether the passage is true.
Reply with JSON: {"status":"approved" or "rejected","notes":"one or two sentences"}`

// JudgeAgent decides claims using an LLM
type JudgeAgent struct {
	provider Provider
}

// NewJudgeAgent creates an LLM-backed judge
func NewJudgeAgent(p Provider) *JudgeAgent {
	return &JudgeAgent{provider: p}
}

// Decide asks the model for a verdict on c
func (a *JudgeAgent) Decide(ctx context.Context, c model.Claim, tri *model.Triangulation) (agent.Decision, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Requirement: %s (pillar %s)\n", c.SubRequirement, c.Pillar)
	fmt.Fprintf(&b, "Evidence: %q\n", c.EvidenceText)
	if c.Summary != "" {
		fmt.Fprintf(&b, "Reviewer rationale: %s\n", c.Summary)
	}
	fmt.Fprintf(&b, "Composite quality score: %.2f of 5\n", c.Score())
	if c.AppealCount > 0 {
		fmt.Fprintf(&b, "This passage replaces a rejected one (appeal %d).\n", c.AppealCount)
	}

	if tri != nil {
		fmt.Fprintf(&b, "\nOther reviewers found %d similar passages; agreement is %s, consensus score %.2f.\n",
			tri.ClusterSize, tri.AgreementLevel, tri.ConsensusScore)
		if tri.HasContradiction {
			b.WriteString("Similar passages were both approved and rejected earlier.")
			if tri.ResolvedScore > 0 {
				fmt.Fprintf(&b, " The resolved score is %.2f.", tri.ResolvedScore)
			}
			if tri.NeedsManualReview {
				b.WriteString(" The conflict is flagged for manual review; explain your verdict in the notes.")
			}
			b.WriteString("\n")
		}
	}

	resp, err := a.provider.Complete(ctx, CompletionRequest{
		System: judgeSystem,
		Prompt: b.String(),
		JSON:   true,
	})
	if err != nil {
		return agent.Decision{}, err
	}
	return ParseJSON[agent.Decision](resp.Text)
}

const reanalysisSystem = `You re-examine a document after a reviewer's evidence was rejected.
Find a different, stronger verbatim passage for the same requirement, or report that none exists.
Reply with JSON: {"found":true,"claim":{"evidence_text":"...","summary":"...","page_number":0,"section":"...","confidence":0.0,"evidence_quality":{"strength":0,"rigor":0,"relevance":0,"directness":0,"reproducibility":0}}}
or {"found":false}`

type reanalysisReply struct {
	Found bool            `json:"found"`
	Claim *agent.Proposal `json:"claim"`
}

// ReanalysisAgent re-evidences rejected claims using an LLM
type ReanalysisAgent struct {
	provider Provider
}

// NewReanalysisAgent creates an LLM-backed reanalyzer
func NewReanalysisAgent(p Provider) *ReanalysisAgent {
	return &ReanalysisAgent{provider: p}
}

// Reanalyze asks the model for a replacement passage; nil means none was found
func (a *ReanalysisAgent) Reanalyze(ctx context.Context, c model.Claim, content string) (*agent.Proposal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Requirement: %s (pillar %s)\n", c.SubRequirement, c.Pillar)
	fmt.Fprintf(&b, "Rejected evidence: %q\n", c.EvidenceText)
	if c.JudgeNotes != "" {
		fmt.Fprintf(&b, "Judge notes: %s\n", c.JudgeNotes)
	}
	fmt.Fprintf(&b, "\nDocument:\n<<<\n%s\n>>>", truncate(content))

	resp, err := a.provider.Complete(ctx, CompletionRequest{
		System: reanalysisSystem,
		Prompt: b.String(),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	reply, err := ParseJSON[reanalysisReply](resp.Text)
	if err != nil {
		return nil, err
	}
	if !reply.Found || reply.Claim == nil {
		return nil, nil
	}
	return reply.Claim, nil
}
