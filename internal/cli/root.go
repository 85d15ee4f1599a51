package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/logging"
	"github.com/ppiankov/concord/internal/model"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Concord - multi-reviewer claim convergence",
	Long: `Concord collects evidence claims for research requirements from several
review passes, clusters similar claims within each document, and drives every
claim to a terminal decision through a judge with a bounded appeal budget.

It assesses how well a passage supports a requirement, never whether the
passage is true.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := viper.GetString("log.level")
		if level == "" {
			level = "info"
		}
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(level, viper.GetString("log.format"))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("concord %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.concord/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads .env, the config file and CONCORD_* environment variables
func initConfig() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(filepath.Join(home, ".concord"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// CONCORD_JUDGE_MAX_APPEALS overrides judge.max_appeals
	viper.SetEnvPrefix("CONCORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges defaults, the config file, environment and flags
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	bindDefaults(cfg)
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKey(cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL == "" && strings.EqualFold(cfg.LLM.Provider, "ollama") {
		cfg.LLM.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every config key so AutomaticEnv can override keys absent from the file
func bindDefaults(cfg *model.Config) {
	viper.SetDefault("store.backend", cfg.Store.Backend)
	viper.SetDefault("store.dir", cfg.Store.Dir)
	viper.SetDefault("store.sqlite_path", cfg.Store.SQLitePath)
	viper.SetDefault("triangulation.similarity_threshold", cfg.Triangulation.SimilarityThreshold)
	viper.SetDefault("triangulation.min_cluster_size", cfg.Triangulation.MinClusterSize)
	viper.SetDefault("triangulation.strong_variance", cfg.Triangulation.StrongVariance)
	viper.SetDefault("triangulation.moderate_variance", cfg.Triangulation.ModerateVariance)
	viper.SetDefault("triangulation.strategy", cfg.Triangulation.Strategy)
	viper.SetDefault("judge.quality_scoring", cfg.Judge.QualityScoring)
	viper.SetDefault("judge.quality_threshold", cfg.Judge.QualityThreshold)
	viper.SetDefault("judge.consensus", cfg.Judge.Consensus)
	viper.SetDefault("judge.borderline_band", cfg.Judge.BorderlineBand)
	viper.SetDefault("judge.max_appeals", cfg.Judge.MaxAppeals)
	viper.SetDefault("convergence.max_iterations", cfg.Convergence.MaxIterations)
	viper.SetDefault("retry.attempts", cfg.Retry.Attempts)
	viper.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	viper.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	viper.SetDefault("rate_limiting.requests_per_second", cfg.RateLimiting.RequestsPerSecond)
	viper.SetDefault("rate_limiting.burst_size", cfg.RateLimiting.BurstSize)
	viper.SetDefault("concurrency.workers", cfg.Concurrency.Workers)
	viper.SetDefault("llm.provider", cfg.LLM.Provider)
	viper.SetDefault("llm.model", cfg.LLM.Model)
	viper.SetDefault("llm.timeout", cfg.LLM.Timeout)
	viper.SetDefault("llm.max_tokens", cfg.LLM.MaxTokens)
	viper.SetDefault("llm.api_key", cfg.LLM.APIKey)
	viper.SetDefault("llm.base_url", cfg.LLM.BaseURL)
	viper.SetDefault("llm.http_proxy", cfg.LLM.HTTPProxy)
	viper.SetDefault("llm.https_proxy", cfg.LLM.HTTPSProxy)
	viper.SetDefault("llm.no_proxy", cfg.LLM.NoProxy)
	viper.SetDefault("embedding.base_url", cfg.Embedding.BaseURL)
	viper.SetDefault("embedding.provider", cfg.Embedding.Provider)
	viper.SetDefault("embedding.model", cfg.Embedding.Model)
	viper.SetDefault("cache.enabled", cfg.Cache.Enabled)
	viper.SetDefault("cache.dir", cfg.Cache.Dir)
	viper.SetDefault("cache.memory_ttl", cfg.Cache.MemoryTTL)
	viper.SetDefault("cache.disk_ttl", cfg.Cache.DiskTTL)
	viper.SetDefault("log.level", cfg.Log.Level)
	viper.SetDefault("log.format", cfg.Log.Format)
}

// providerKey reads the conventional API key variable for a provider
func providerKey(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic", "claude":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}
