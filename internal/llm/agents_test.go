package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/model"
)

// scriptedProvider replies with a fixed text and records the last request
type scriptedProvider struct {
	reply string
	err   error
	last  CompletionRequest
	calls int
}

func (p *scriptedProvider) Name() string                        { return "scripted" }
func (p *scriptedProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.calls++
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &CompletionResponse{Text: p.reply}, nil
}

func TestParseJSON(t *testing.T) {
	type verdict struct {
		Status string `json:"status"`
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare object", `{"status":"approved"}`, "approved", false},
		{"markdown fence", "```json\n{\"status\":\"rejected\"}\n```", "rejected", false},
		{"surrounding prose", `Sure. {"status":"approved"} Hope that helps.`, "approved", false},
		{"no object", "I cannot decide", "", true},
		{"broken object", `{"status":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON[verdict](tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !errors.Is(err, model.ErrValidation) {
					t.Errorf("Expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("Status = %q, want %q", got.Status, tt.want)
			}
		})
	}
}

func TestReviewAgent_Propose(t *testing.T) {
	p := &scriptedProvider{reply: `{"claims":[{"evidence_text":"randomized trial, n=400","summary":"sample size","page_number":3,"confidence":0.8,"evidence_quality":{"strength":4,"rigor":4,"relevance":5,"directness":4,"reproducibility":3}}]}`}
	a := NewReviewAgent(p)

	req := agent.RequirementContext{Pillar: "methods", SubRequirement: "sample_size", Description: "Reports sample size"}
	proposals, err := a.Propose(context.Background(), "full text", req)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if len(proposals) != 1 {
		t.Fatalf("Expected 1 proposal, got %d", len(proposals))
	}
	if proposals[0].EvidenceText != "randomized trial, n=400" || proposals[0].PageNumber != 3 {
		t.Errorf("Unexpected proposal: %+v", proposals[0])
	}
	if proposals[0].Quality == nil || proposals[0].Quality.Relevance != 5 {
		t.Errorf("Expected quality to be parsed, got %+v", proposals[0].Quality)
	}
	if !p.last.JSON {
		t.Error("Expected JSON completion")
	}
	if !strings.Contains(p.last.Prompt, "sample_size") || !strings.Contains(p.last.Prompt, "full text") {
		t.Errorf("Prompt missing requirement or document: %q", p.last.Prompt)
	}
	if strings.Contains(p.last.Prompt, "deeper pass") {
		t.Error("First pass prompt must not ask for a deeper pass")
	}
}

func TestReviewAgent_DeepPassListsKnownEvidence(t *testing.T) {
	p := &scriptedProvider{reply: `{"claims":[]}`}
	a := NewDeepReviewAgent(p)

	req := agent.RequirementContext{
		Pillar:         "methods",
		SubRequirement: "sample_size",
		KnownEvidence:  []string{"n=400"},
	}
	proposals, err := a.Propose(context.Background(), "doc", req)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(proposals) != 0 {
		t.Errorf("Expected no proposals, got %d", len(proposals))
	}
	if !strings.Contains(p.last.Prompt, "deeper pass") || !strings.Contains(p.last.Prompt, `"n=400"`) {
		t.Errorf("Deep prompt missing known evidence: %q", p.last.Prompt)
	}
}

func TestReviewAgent_ProviderError(t *testing.T) {
	p := &scriptedProvider{err: model.Transient("scripted", errors.New("timeout"))}
	_, err := NewReviewAgent(p).Propose(context.Background(), "doc", agent.RequirementContext{SubRequirement: "x"})
	if !errors.Is(err, model.ErrTransient) {
		t.Errorf("Expected transient error to pass through, got %v", err)
	}
}

func TestJudgeAgent_Decide(t *testing.T) {
	p := &scriptedProvider{reply: "```json\n{\"status\":\"approved\",\"notes\":\"direct quote\"}\n```"}
	a := NewJudgeAgent(p)

	claim := model.Claim{Pillar: "methods", SubRequirement: "sample_size", EvidenceText: "n=400"}
	tri := &model.Triangulation{
		ClusterSize:       3,
		AgreementLevel:    model.AgreementWeak,
		ConsensusScore:    3.5,
		HasContradiction:  true,
		ResolvedScore:     4.5,
		NeedsManualReview: true,
	}

	d, err := a.Decide(context.Background(), claim, tri)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.Status != model.StatusApproved || d.Notes != "direct quote" {
		t.Errorf("Unexpected decision: %+v", d)
	}
	for _, want := range []string{"3 similar passages", "4.50", "manual review"} {
		if !strings.Contains(p.last.Prompt, want) {
			t.Errorf("Prompt missing %q: %q", want, p.last.Prompt)
		}
	}
}

func TestJudgeAgent_NoTriangulation(t *testing.T) {
	p := &scriptedProvider{reply: `{"status":"rejected","notes":"off topic"}`}
	d, err := NewJudgeAgent(p).Decide(context.Background(), model.Claim{EvidenceText: "x"}, nil)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.Status != model.StatusRejected {
		t.Errorf("Expected rejected, got %s", d.Status)
	}
	if strings.Contains(p.last.Prompt, "Other reviewers") {
		t.Error("Prompt must not mention other reviewers without triangulation")
	}
}

func TestReanalysisAgent_Reanalyze(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"found", `{"found":true,"claim":{"evidence_text":"Table 2 reports n=412","summary":"final sample"}}`, "Table 2 reports n=412"},
		{"not found", `{"found":false}`, ""},
		{"found without claim", `{"found":true}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{reply: tt.reply}
			claim := model.Claim{SubRequirement: "sample_size", EvidenceText: "about 400", JudgeNotes: "vague"}

			got, err := NewReanalysisAgent(p).Reanalyze(context.Background(), claim, "doc")
			if err != nil {
				t.Fatalf("Reanalyze failed: %v", err)
			}
			if tt.want == "" {
				if got != nil {
					t.Errorf("Expected no replacement, got %+v", got)
				}
				return
			}
			if got == nil || got.EvidenceText != tt.want {
				t.Errorf("Unexpected replacement: %+v", got)
			}
			if !strings.Contains(p.last.Prompt, "vague") {
				t.Error("Prompt should carry the judge notes")
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	short := "abc"
	if truncate(short) != short {
		t.Error("Short content must not change")
	}
	long := strings.Repeat("a", maxContentChars+10)
	got := truncate(long)
	if !strings.HasSuffix(got, "[... truncated]") || len(got) >= len(long)+20 {
		t.Errorf("Unexpected truncation length %d", len(got))
	}

	// a three-byte rune straddling the limit is dropped whole
	multi := strings.Repeat("a", maxContentChars-1) + "€" + "tail"
	got = truncate(multi)
	if !utf8.ValidString(got) {
		t.Error("Truncated content must stay valid UTF-8")
	}
	if !strings.HasPrefix(got, strings.Repeat("a", maxContentChars-1)+"\n") {
		t.Error("Expected the cut before the straddling rune")
	}
}
