package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/evaluation"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracestore"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "config/ragagent.yaml"

// Config is the full service configuration.
type Config struct {
	Environment string `mapstructure:"environment"`

	Agent      AgentConfig       `mapstructure:"agent"`
	LLM        llm.Config        `mapstructure:"llm"`
	Embeddings embeddings.Config `mapstructure:"embeddings"`
	Retrieval  retrieval.Config  `mapstructure:"retrieval"`
	Evaluation evaluation.Config `mapstructure:"evaluation"`
	TraceStore TraceStoreConfig  `mapstructure:"trace_store"`
	Auth       auth.Config       `mapstructure:"auth"`
	Policy     policy.Config     `mapstructure:"policy"`
	Prompts    PromptsConfig     `mapstructure:"prompts"`
	Streaming  StreamingConfig   `mapstructure:"streaming"`
	RateLimit  RateLimitConfig   `mapstructure:"rate_limit"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
}

// AgentConfig holds orchestrator knobs and the default model.
type AgentConfig struct {
	agent.Config `mapstructure:",squash"`
	// DefaultModel replaces the model name of every stage that has no override.
	DefaultModel string `mapstructure:"default_model"`
	// ToolTopK is the passage count the hybrid search tool asks for by default.
	ToolTopK int `mapstructure:"tool_top_k"`
	// TurnTimeout bounds a whole turn; zero means no deadline.
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
}

// ModelSpecs returns the per-stage defaults with DefaultModel applied.
func (a AgentConfig) ModelSpecs() agent.ModelSpecs {
	specs := agent.DefaultModelSpecs()
	if a.DefaultModel == "" {
		return specs
	}
	for _, s := range []*llm.ModelSpec{&specs.Planner, &specs.ToolSelection, &specs.SubtaskAnswer, &specs.Reflection, &specs.FinalAnswer} {
		s.ModelName = a.DefaultModel
	}
	return specs
}

// TraceStoreConfig enables persistence of completed turns.
type TraceStoreConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	tracestore.Config `mapstructure:",squash"`
}

// PromptsConfig points at an optional YAML file of prompt overrides.
type PromptsConfig struct {
	Path         string        `mapstructure:"path"`
	Watch        bool          `mapstructure:"watch"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// StreamingConfig sizes the per-turn event buffers.
type StreamingConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig configures the Redis-backed request limiter.
type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Requests  int           `mapstructure:"requests"`
	Window    time.Duration `mapstructure:"window"`
}

// legacy environment names accepted next to RAGAGENT_*.
var legacyEnv = map[string][]string{
	"llm.api_key":                   {"OPENAI_API_KEY"},
	"llm.base_url":                  {"OPENAI_BASE_URL"},
	"agent.default_model":           {"OPENAI_MODEL"},
	"embeddings.model":              {"OPENAI_EMBEDDING_MODEL"},
	"embeddings.redis_addr":         {"REDIS_ADDR"},
	"rate_limit.redis_addr":         {"REDIS_ADDR"},
	"retrieval.opensearch.base_url": {"OPENSEARCH_URL", "OPENSEARCH_HOST"},
	"retrieval.opensearch.username": {"OPENSEARCH_USERNAME", "OPENSEARCH_USER"},
	"retrieval.opensearch.password": {"OPENSEARCH_PASSWORD"},
	"retrieval.opensearch.index":    {"OPENSEARCH_INDEX"},
	"auth.jwt_secret":               {"JWT_SECRET"},
	"tracing.otlp_endpoint":         {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"trace_store.dsn":               {"DATABASE_URL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("agent.max_retries", agent.DefaultMaxRetries)
	v.SetDefault("agent.subtask_concurrency", 1)
	v.SetDefault("agent.chat_history_max_turns", 0)
	v.SetDefault("agent.default_model", "")
	v.SetDefault("agent.tool_top_k", 5)
	v.SetDefault("agent.turn_timeout", 5*time.Minute)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.pricing_path", "")

	v.SetDefault("embeddings.model", embeddings.DefaultModel)
	v.SetDefault("embeddings.dimensions", 0)
	v.SetDefault("embeddings.timeout", 30*time.Second)
	v.SetDefault("embeddings.redis_addr", "")
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("retrieval.backend", "chromem")
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.timeout", 10*time.Second)
	v.SetDefault("retrieval.opensearch.base_url", "http://localhost:9200")
	v.SetDefault("retrieval.opensearch.username", "")
	v.SetDefault("retrieval.opensearch.password", "")
	v.SetDefault("retrieval.opensearch.index", "documents")
	v.SetDefault("retrieval.opensearch.pipeline", "hybrid-search-pipeline")
	v.SetDefault("retrieval.chromem.path", "")
	v.SetDefault("retrieval.chromem.collection", "documents")
	v.SetDefault("retrieval.chromem.compress", false)

	v.SetDefault("evaluation.questions", 3)

	v.SetDefault("trace_store.enabled", false)
	v.SetDefault("trace_store.driver", "sqlite3")
	v.SetDefault("trace_store.dsn", "")
	v.SetDefault("trace_store.host", "localhost")
	v.SetDefault("trace_store.port", 5432)
	v.SetDefault("trace_store.user", "ragagent")
	v.SetDefault("trace_store.password", "")
	v.SetDefault("trace_store.database", "ragagent")
	v.SetDefault("trace_store.sslmode", "disable")
	v.SetDefault("trace_store.workers", 2)
	v.SetDefault("trace_store.queue_size", 256)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "ragagent")

	def := policy.DefaultConfig()
	v.SetDefault("policy.enabled", def.Enabled)
	v.SetDefault("policy.mode", def.Mode)
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.environment", def.Environment)
	v.SetDefault("policy.allowed_models", []string{})
	v.SetDefault("policy.max_retries_ceiling", def.MaxRetriesCeiling)
	v.SetDefault("policy.evaluation_enabled", def.EvaluationEnabled)
	v.SetDefault("policy.cache_size", def.CacheSize)

	v.SetDefault("prompts.path", "")
	v.SetDefault("prompts.watch", true)
	v.SetDefault("prompts.poll_interval", 0)

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.retention", 10*time.Minute)
	v.SetDefault("streaming.sweep_interval", time.Minute)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.redis_addr", "localhost:6379")
	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ragagent")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads CONFIG_PATH (or DefaultPath). A missing file is not an error;
// defaults and environment variables still apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	return LoadFile(path, explicit)
}

// LoadFile reads path. When required is false a missing file is ignored.
func LoadFile(path string, required bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAGAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		for _, name := range names {
			if val, ok := os.LookupEnv(name); ok && val != "" {
				v.SetDefault(key, val)
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if required || !(errors.As(err, &notFound) || os.IsNotExist(err)) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values Load cannot express as defaults.
func (c *Config) Validate() error {
	if c.Agent.MaxRetries < 0 || c.Agent.MaxRetries > agent.MaxRetriesLimit {
		return fmt.Errorf("agent.max_retries must be within 0..%d, got %d", agent.MaxRetriesLimit, c.Agent.MaxRetries)
	}
	if c.Agent.Concurrency < 1 {
		return fmt.Errorf("agent.subtask_concurrency must be >= 1, got %d", c.Agent.Concurrency)
	}
	switch c.Retrieval.Backend {
	case "opensearch", "chromem":
	default:
		return fmt.Errorf("retrieval.backend must be opensearch or chromem, got %q", c.Retrieval.Backend)
	}
	if c.TraceStore.Enabled {
		switch c.TraceStore.Driver {
		case "postgres", "sqlite3":
		default:
			return fmt.Errorf("trace_store.driver must be postgres or sqlite3, got %q", c.TraceStore.Driver)
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth is enabled but neither auth.jwt_secret nor auth.api_keys is set")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.requests and rate_limit.window must be positive")
	}
	return nil
}
