package converge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/worker"
)

// DocumentJob converges one document on the worker pool
type DocumentJob struct {
	Document   Document
	Controller *Controller
}

// Execute executes the convergence job
func (j *DocumentJob) Execute(ctx context.Context) worker.Result {
	outcome, err := j.Controller.Converge(ctx, j.Document)
	return &DocumentResult{
		DocumentID: j.Document.ID,
		Outcome:    outcome,
		Error:      err,
	}
}

// DocumentResult represents the result of a convergence job
type DocumentResult struct {
	DocumentID string
	Outcome    *Outcome
	Error      error
}

// GetError returns the error from the convergence result
func (r *DocumentResult) GetError() error {
	return r.Error
}

// BatchProcessor converges multiple documents concurrently.
// Documents share no mutable state, so each runs as an independent job.
type BatchProcessor struct {
	controller  *Controller
	concurrency int
	logger      *zap.Logger
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(controller *Controller, concurrency int, logger *zap.Logger) *BatchProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchProcessor{
		controller:  controller,
		concurrency: concurrency,
		logger:      logger.Named("batch"),
	}
}

// ProcessDocuments converges documents concurrently and returns results in input order.
// A repeated document id is processed once, keeping one writer per document.
func (b *BatchProcessor) ProcessDocuments(ctx context.Context, docs []Document) []*DocumentResult {
	if len(docs) == 0 {
		return []*DocumentResult{}
	}

	pool := worker.NewPool(ctx, b.concurrency)
	pool.Start()

	seen := make(map[string]bool, len(docs))
	var ids []string
	for _, doc := range docs {
		if seen[doc.ID] {
			b.logger.Warn("duplicate document skipped", zap.String("document_id", doc.ID))
			continue
		}
		seen[doc.ID] = true
		ids = append(ids, doc.ID)
		pool.Submit(&DocumentJob{
			Document:   doc,
			Controller: b.controller,
		})
	}

	results := pool.Wait()

	out := make([]*DocumentResult, len(results))
	for i, result := range results {
		dr, ok := result.(*DocumentResult)
		if !ok {
			b.logger.Error("document job failed", zap.String("document_id", ids[i]), zap.Error(result.GetError()))
			dr = &DocumentResult{DocumentID: ids[i], Error: result.GetError()}
		}
		out[i] = dr
	}
	return out
}

// Requirements is the on-disk requirement taxonomy
type Requirements struct {
	Requirements []agent.RequirementContext `yaml:"requirements"`
}

// LoadRequirements reads a YAML requirements file
func LoadRequirements(path string) ([]agent.RequirementContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}

	var reqs Requirements
	if err := yaml.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("parse requirements: %w", err)
	}

	out := make([]agent.RequirementContext, 0, len(reqs.Requirements))
	seen := make(map[string]bool)
	for _, r := range reqs.Requirements {
		r.Pillar = strings.TrimSpace(r.Pillar)
		r.SubRequirement = strings.TrimSpace(r.SubRequirement)
		if r.SubRequirement == "" {
			return nil, fmt.Errorf("parse requirements: entry under pillar %q has no sub_requirement", r.Pillar)
		}
		if seen[r.SubRequirement] {
			continue
		}
		seen[r.SubRequirement] = true
		out = append(out, r)
	}
	return out, nil
}

// documentExtensions are the plain-text formats read from a documents directory
var documentExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// LoadDocuments reads every plain-text file in dir as a document identified by its file name
func LoadDocuments(dir string, reqs []agent.RequirementContext) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}

	var docs []Document
	for _, e := range entries {
		if e.IsDir() || !documentExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", e.Name(), err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		docs = append(docs, Document{
			ID:           strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Content:      string(data),
			Requirements: reqs,
		})
	}
	return docs, nil
}
