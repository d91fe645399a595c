package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// RESEARCH_ORCHESTRATOR_MAX_RETRIES.
const EnvPrefix = "RESEARCH"

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr" validate:"required"`
	AdminAddr       string        `mapstructure:"admin_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type OrchestratorConfig struct {
	WorkerPoolSize       int           `mapstructure:"worker_pool_size" validate:"gte=1,lte=256"`
	MaxRetries           int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	DefaultTimeCeiling   time.Duration `mapstructure:"default_time_ceiling"`
	DefaultBudgetCeiling float64       `mapstructure:"default_budget_ceiling" validate:"gte=0"`
	ExtractionLimit      int           `mapstructure:"extraction_limit" validate:"gte=1"`
	SearchResults        int           `mapstructure:"search_results" validate:"gte=1"`
	DefaultMaxSources    int           `mapstructure:"default_max_sources" validate:"gte=1"`
	DefaultMode          string        `mapstructure:"default_execution_mode" validate:"oneof=interactive autonomous"`
}

type AggregatorConfig struct {
	// CredibilityFile optionally replaces the built-in domain credibility rules.
	CredibilityFile string `mapstructure:"credibility_file"`
}

type ProviderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPM     int           `mapstructure:"rpm" validate:"gte=0"`
	Burst   int           `mapstructure:"burst" validate:"gte=0"`
	Model   string        `mapstructure:"model"`
}

type ModelPricing struct {
	InputPer1K  float64 `mapstructure:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k" yaml:"output_per_1k"`
}

type ProviderPricing struct {
	PerCall float64                 `mapstructure:"per_call" yaml:"per_call"`
	Models  map[string]ModelPricing `mapstructure:"models" yaml:"models"`
}

type PricingConfig struct {
	// File optionally points at a standalone YAML pricing table that
	// overrides Providers.
	File      string                     `mapstructure:"file"`
	Providers map[string]ProviderPricing `mapstructure:"providers"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gte=1"`
	SuccessThreshold uint32        `mapstructure:"success_threshold" validate:"gte=1"`
}

type PersonasConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver" validate:"oneof=memory postgres sqlite redis"`
	DSN           string        `mapstructure:"dsn" validate:"required_if=Driver postgres,required_if=Driver sqlite"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TerminalTTL   time.Duration `mapstructure:"terminal_ttl"`
}

type BudgetConfig struct {
	LedgerEnabled bool `mapstructure:"ledger_enabled"`
}

type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
	// Mode is enforce or dry-run; dry-run only logs denials.
	Mode        string `mapstructure:"mode" validate:"omitempty,oneof=enforce dry-run"`
	FailClosed  bool   `mapstructure:"fail_closed"`
	Query       string `mapstructure:"query"`
	Environment string `mapstructure:"environment"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required_if=Enabled true"`
	Issuer    string `mapstructure:"issuer"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity" validate:"gte=1"`
}

// Config is the full service configuration.
type Config struct {
	Server         ServerConfig              `mapstructure:"server"`
	Logging        LoggingConfig             `mapstructure:"logging"`
	Orchestrator   OrchestratorConfig        `mapstructure:"orchestrator"`
	Providers      map[string]ProviderConfig `mapstructure:"providers" validate:"dive"`
	Pricing        PricingConfig             `mapstructure:"pricing"`
	CircuitBreaker CircuitBreakerConfig      `mapstructure:"circuit_breaker"`
	Personas       PersonasConfig            `mapstructure:"personas"`
	Aggregator     AggregatorConfig          `mapstructure:"aggregator"`
	Store          StoreConfig               `mapstructure:"store"`
	Budget         BudgetConfig              `mapstructure:"budget"`
	Policy         PolicyConfig              `mapstructure:"policy"`
	Auth           AuthConfig                `mapstructure:"auth"`
	Tracing        TracingConfig             `mapstructure:"tracing"`
	Streaming      StreamingConfig           `mapstructure:"streaming"`
}

// Provider ids with built-in adapters.
var builtinProviders = []string{"serpapi", "tavily", "firecrawl", "jina", "openrouter"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8090")
	v.SetDefault("server.admin_addr", ":2112")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("orchestrator.worker_pool_size", 4)
	v.SetDefault("orchestrator.max_retries", 2)
	v.SetDefault("orchestrator.backoff_initial", 500*time.Millisecond)
	v.SetDefault("orchestrator.backoff_max", 8*time.Second)
	v.SetDefault("orchestrator.default_time_ceiling", 10*time.Minute)
	v.SetDefault("orchestrator.default_budget_ceiling", 5.0)
	v.SetDefault("orchestrator.extraction_limit", 15)
	v.SetDefault("orchestrator.search_results", 30)
	v.SetDefault("orchestrator.default_max_sources", 20)
	v.SetDefault("orchestrator.default_execution_mode", "autonomous")

	v.SetDefault("aggregator.credibility_file", "")

	for _, id := range builtinProviders {
		v.SetDefault("providers."+id+".enabled", false)
		v.SetDefault("providers."+id+".api_key", "")
		v.SetDefault("providers."+id+".base_url", "")
		v.SetDefault("providers."+id+".timeout", 30*time.Second)
		v.SetDefault("providers."+id+".rpm", 60)
		v.SetDefault("providers."+id+".burst", 5)
		v.SetDefault("providers."+id+".model", "")
	}
	v.SetDefault("providers.openrouter.model", "anthropic/claude-3-sonnet")
	v.SetDefault("providers.openrouter.timeout", 120*time.Second)

	v.SetDefault("pricing.file", "")
	v.SetDefault("pricing.providers.serpapi.per_call", 0.01)
	v.SetDefault("pricing.providers.tavily.per_call", 0.008)
	v.SetDefault("pricing.providers.firecrawl.per_call", 0.002)
	v.SetDefault("pricing.providers.jina.per_call", 0.001)
	v.SetDefault("pricing.providers.openrouter.models", map[string]any{
		"anthropic/claude-3-sonnet": map[string]any{"input_per_1k": 0.003, "output_per_1k": 0.015},
	})

	v.SetDefault("circuit_breaker.max_requests", 1)
	v.SetDefault("circuit_breaker.interval", 60*time.Second)
	v.SetDefault("circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 1)

	v.SetDefault("personas.dir", "")
	v.SetDefault("personas.watch", true)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "research")
	v.SetDefault("store.terminal_ttl", 7*24*time.Hour)

	v.SetDefault("budget.ledger_enabled", false)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.query", "data.research.admission.decision")
	v.SetDefault("policy.mode", "enforce")
	v.SetDefault("policy.environment", "dev")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("streaming.ring_capacity", 256)
}

// New returns a viper instance with defaults and env overrides applied.
// path may be empty, in which case CONFIG_PATH is consulted and a missing
// file is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads path (or CONFIG_PATH) and returns the validated config.
func Load(path string) (*Config, *viper.Viper, error) {
	v, err := New(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Orchestrator.BackoffMax > 0 && cfg.Orchestrator.BackoffInitial > cfg.Orchestrator.BackoffMax {
		return fmt.Errorf("invalid config: orchestrator.backoff_initial (%s) exceeds backoff_max (%s)",
			cfg.Orchestrator.BackoffInitial, cfg.Orchestrator.BackoffMax)
	}
	for id, p := range cfg.Providers {
		if p.Enabled && p.APIKey == "" {
			return fmt.Errorf("invalid config: provider %s is enabled without api_key", id)
		}
	}
	return nil
}

// EnabledProviders lists provider ids that are switched on.
func (c *Config) EnabledProviders() []string {
	var out []string
	for _, id := range builtinProviders {
		if p, ok := c.Providers[id]; ok && p.Enabled {
			out = append(out, id)
		}
	}
	return out
}
