package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/cache"
	"github.com/ppiankov/concord/internal/converge"
	"github.com/ppiankov/concord/internal/judge"
	"github.com/ppiankov/concord/internal/llm"
	"github.com/ppiankov/concord/internal/model"
	"github.com/ppiankov/concord/internal/store"
	"github.com/ppiankov/concord/internal/triangulate"
	"github.com/ppiankov/concord/internal/worker"
)

var (
	requirementsFile string
	maxIterations    int
	workers          int
	storeBackend     string
	noTriangulation  bool
	noCache          bool
	runTimeout       time.Duration
)

// convergeCmd represents the converge command
var convergeCmd = &cobra.Command{
	Use:   "converge <documents-dir>",
	Short: "Converge evidence claims for every document in a directory",
	Long: `Converge runs the bounded review loop for each .txt or .md document:
- iteration 1: first-pass review of every requirement
- later iterations: deep review, triangulation of the document's own claims
- every iteration: judge pass with appeals for rejected claims

Documents are processed in parallel; claim histories are written to the store.

Example:
  concord converge ./papers --requirements reqs.yaml
  concord converge ./papers -r reqs.yaml --max-iterations 5 --workers 8`,
	Args: cobra.ExactArgs(1),
	RunE: runConverge,
}

func init() {
	rootCmd.AddCommand(convergeCmd)

	convergeCmd.Flags().StringVarP(&requirementsFile, "requirements", "r", "requirements.yaml", "requirements YAML file")
	convergeCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget per document (default from config)")
	convergeCmd.Flags().IntVar(&workers, "workers", 0, "documents processed in parallel (default from config)")
	convergeCmd.Flags().StringVar(&storeBackend, "store", "", "history backend: file, sqlite, memory (default from config)")
	convergeCmd.Flags().BoolVar(&noTriangulation, "no-triangulation", false, "disable triangulation (borderline claims are judged directly)")
	convergeCmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the embedding cache")
	convergeCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "total timeout for the run")
}

func runConverge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if maxIterations > 0 {
		cfg.Convergence.MaxIterations = maxIterations
	}
	if workers > 0 {
		cfg.Concurrency.Workers = workers
	}
	if storeBackend != "" {
		cfg.Store.Backend = storeBackend
	}
	if noCache {
		cfg.Cache.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	reqs, err := converge.LoadRequirements(requirementsFile)
	if err != nil {
		return err
	}
	docs, err := converge.LoadDocuments(args[0], reqs)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no documents found in %s", args[0])
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	controller, embeddings, err := buildController(cfg, st, !noTriangulation)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	logger.Info("converging documents",
		zap.Int("documents", len(docs)),
		zap.Int("requirements", len(reqs)),
		zap.Int("workers", cfg.Concurrency.Workers),
		zap.Int("max_iterations", cfg.Convergence.MaxIterations))

	results := converge.NewBatchProcessor(controller, cfg.Concurrency.Workers, logger).ProcessDocuments(ctx, docs)

	failures := 0
	outcomes := make([]*converge.Outcome, 0, len(results))
	for _, r := range results {
		if r.Error != nil {
			failures++
			logger.Error("document failed", zap.String("document_id", r.DocumentID), zap.Error(r.Error))
			continue
		}
		outcomes = append(outcomes, r.Outcome)
	}
	if embeddings != nil {
		stats := embeddings.Stats()
		logger.Info("embedding cache",
			zap.Int64("memory_hits", stats.MemoryHits),
			zap.Int64("disk_hits", stats.DiskHits),
			zap.Int64("misses", stats.Misses))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcomes); err != nil {
		return fmt.Errorf("write outcomes: %w", err)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d documents failed", failures, len(results))
	}
	return nil
}

func openStore(cfg *model.Config) (*store.Store, error) {
	backend, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store.New(backend, logger), nil
}

// buildController wires the LLM-backed agents, guarded by a shared limiter and retry policy.
// The returned cache is nil when triangulation or caching is off.
func buildController(cfg *model.Config, st *store.Store, triangulation bool) (*converge.Controller, *cache.LayeredCache, error) {
	llmCfg := llm.ConfigFromModel(cfg.LLM)
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create LLM provider: %w", err)
	}

	limiter := worker.LimiterFromConfig(cfg.RateLimiting)
	guard := worker.NewGuard(limiter, worker.PolicyFromConfig(cfg.Retry))

	components := converge.Components{
		Store:     st,
		FirstPass: agent.GuardReviewer(llm.NewReviewAgent(provider), guard, agent.KeyFirstPass),
		DeepPass:  agent.GuardReviewer(llm.NewDeepReviewAgent(provider), guard, agent.KeyDeepPass),
		Judge: judge.New(st,
			agent.GuardJudge(llm.NewJudgeAgent(provider), guard),
			agent.GuardReanalyzer(llm.NewReanalysisAgent(provider), guard),
			cfg.Judge, logger),
	}

	var layered *cache.LayeredCache
	if triangulation {
		var tri *triangulate.Triangulator
		tri, layered, err = buildTriangulator(cfg, llmCfg, guard)
		if err != nil {
			return nil, nil, err
		}
		components.Triangulator = tri
	}

	controller, err := converge.New(components, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return controller, layered, nil
}

func buildTriangulator(cfg *model.Config, llmCfg llm.Config, guard *worker.Guard) (*triangulate.Triangulator, *cache.LayeredCache, error) {
	embedder, err := llm.NewEmbedder(cfg.Embedding, llmCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}

	var e agent.Embedder = agent.GuardEmbedder(embedder, guard)
	var layered *cache.LayeredCache
	if cfg.Cache.Enabled {
		layered = cache.FromConfig(cfg.Cache)
		e = cache.NewEmbeddingCache(e, layered, cfg.Embedding.Model, logger)
	}

	tri, err := triangulate.New(e, cfg.Triangulation, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("triangulation enabled",
		zap.String("strategy", cfg.Triangulation.Strategy),
		zap.Float64("similarity_threshold", cfg.Triangulation.SimilarityThreshold),
		zap.Bool("cache", layered != nil))
	return tri, layered, nil
}
