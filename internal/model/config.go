package model

import (
	"fmt"
	"time"
)

// Config is the complete Concord configuration
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Triangulation TriangulationConfig `yaml:"triangulation" mapstructure:"triangulation"`
	Judge         JudgeConfig         `yaml:"judge" mapstructure:"judge"`
	Convergence   ConvergenceConfig   `yaml:"convergence" mapstructure:"convergence"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`
	RateLimiting  RateLimitingConfig  `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Concurrency   ConcurrencyConfig   `yaml:"concurrency" mapstructure:"concurrency"`
	LLM           LLMConfig           `yaml:"llm" mapstructure:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding" mapstructure:"embedding"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and locates the claim history backend
type StoreConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"` // file, sqlite, memory
	Dir        string `yaml:"dir" mapstructure:"dir"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// TriangulationConfig controls clustering and contradiction resolution
type TriangulationConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	MinClusterSize      int     `yaml:"min_cluster_size" mapstructure:"min_cluster_size"`
	StrongVariance      float64 `yaml:"strong_variance" mapstructure:"strong_variance"`
	ModerateVariance    float64 `yaml:"moderate_variance" mapstructure:"moderate_variance"`
	Strategy            string  `yaml:"strategy" mapstructure:"strategy"` // higher_score, average, manual_review
}

// JudgeConfig controls the claim state machine
type JudgeConfig struct {
	QualityScoring   bool    `yaml:"quality_scoring" mapstructure:"quality_scoring"`
	QualityThreshold float64 `yaml:"quality_threshold" mapstructure:"quality_threshold"`
	Consensus        bool    `yaml:"consensus" mapstructure:"consensus"`
	BorderlineBand   float64 `yaml:"borderline_band" mapstructure:"borderline_band"`
	MaxAppeals       int     `yaml:"max_appeals" mapstructure:"max_appeals"`
}

// ConvergenceConfig bounds the review loop
type ConvergenceConfig struct {
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`
}

// RetryConfig controls collaborator retries
type RetryConfig struct {
	Attempts  int           `yaml:"attempts" mapstructure:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// RateLimitingConfig bounds collaborator calls per process
type RateLimitingConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" mapstructure:"burst_size"`

	// Collaborators caps individual collaborators (first_pass, deep_pass, judge,
	// reanalysis, embedding) below the global rate
	Collaborators map[string]float64 `yaml:"collaborators,omitempty" mapstructure:"collaborators"`
}

// ConcurrencyConfig controls batch parallelism across documents
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// LLMConfig configures the provider behind the review, judge and reanalysis agents
type LLMConfig struct {
	Provider   string `yaml:"provider" mapstructure:"provider"` // openai, anthropic, ollama
	Model      string `yaml:"model" mapstructure:"model"`
	APIKey     string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL    string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout    int    `yaml:"timeout" mapstructure:"timeout"` // seconds
	MaxTokens  int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	HTTPProxy  string `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy    string `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// EmbeddingConfig configures the embedding provider used by the triangulator
type EmbeddingConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"` // openai, ollama
	Model    string `yaml:"model" mapstructure:"model"`
	BaseURL  string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// CacheConfig controls the embedding cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// LogConfig controls logger construction
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json, console
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "file",
			Dir:        ".concord/history",
			SQLitePath: ".concord/history.db",
		},
		Triangulation: TriangulationConfig{
			SimilarityThreshold: 0.85,
			MinClusterSize:      2,
			StrongVariance:      0.3,
			ModerateVariance:    0.7,
			Strategy:            string(StrategyHigherScore),
		},
		Judge: JudgeConfig{
			QualityScoring:   true,
			QualityThreshold: 3.0,
			Consensus:        true,
			BorderlineBand:   0.5,
			MaxAppeals:       2,
		},
		Convergence: ConvergenceConfig{
			MaxIterations: 3,
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
		RateLimiting: RateLimitingConfig{
			RequestsPerSecond: 2,
			BurstSize:         5,
		},
		Concurrency: ConcurrencyConfig{
			Workers: 4,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Timeout:   60,
			MaxTokens: 2000,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".concord/cache",
			MemoryTTL: time.Hour,
			DiskTTL:   30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that numeric settings are in range
func (c *Config) Validate() error {
	t := c.Triangulation
	if t.SimilarityThreshold <= 0 || t.SimilarityThreshold > 1 {
		return Validation("config", fmt.Errorf("triangulation.similarity_threshold must be in (0, 1], got %v", t.SimilarityThreshold))
	}
	if t.StrongVariance <= 0 || t.ModerateVariance < t.StrongVariance {
		return Validation("config", fmt.Errorf("triangulation variance breakpoints must satisfy 0 < strong <= moderate, got %v/%v", t.StrongVariance, t.ModerateVariance))
	}
	switch ResolutionStrategy(t.Strategy) {
	case StrategyHigherScore, StrategyAverage, StrategyManualReview:
	default:
		return Validation("config", fmt.Errorf("unknown triangulation.strategy %q", t.Strategy))
	}
	for key, rps := range c.RateLimiting.Collaborators {
		if rps <= 0 {
			return Validation("config", fmt.Errorf("rate_limiting.collaborators.%s must be > 0, got %v", key, rps))
		}
	}
	if c.Judge.MaxAppeals < 0 {
		return Validation("config", fmt.Errorf("judge.max_appeals must be >= 0, got %d", c.Judge.MaxAppeals))
	}
	if c.Judge.QualityThreshold < minScore || c.Judge.QualityThreshold > maxScore {
		return Validation("config", fmt.Errorf("judge.quality_threshold must be in [1, 5], got %v", c.Judge.QualityThreshold))
	}
	if c.Convergence.MaxIterations < 1 {
		return Validation("config", fmt.Errorf("convergence.max_iterations must be >= 1, got %d", c.Convergence.MaxIterations))
	}
	switch c.Store.Backend {
	case "file", "sqlite", "memory":
	default:
		return Validation("config", fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	return nil
}
