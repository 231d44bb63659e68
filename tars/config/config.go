package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/tars-case/tars"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file, environment variables or flags.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Store        StoreConfig        `mapstructure:"store"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Harness      HarnessConfig      `mapstructure:"harness"`
	Server       ServerConfig       `mapstructure:"server"`
}

// AppConfig controls process-level behavior.
type AppConfig struct {
	Env       string `mapstructure:"env" validate:"oneof=development production test"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=console json"`
}

// DatabaseConfig stores embedded libsql connection details.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxOpenConns   int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec" validate:"gte=0"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec" validate:"gte=0"`
	JournalMode    string `mapstructure:"journal_mode"` // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	SyncMode       string `mapstructure:"sync_mode"`    // NORMAL, FULL, OFF
	BusyTimeoutMs  int    `mapstructure:"busy_timeout_ms" validate:"gte=0"`
}

// StoreConfig selects the conversation log backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=libsql supabase memory"`
	Supabase SupabaseConfig `mapstructure:"supabase"`
}

// SupabaseConfig names the managed vector store and its server-side functions.
type SupabaseConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`

	TarsTable string `mapstructure:"tars_table"`
	CaseTable string `mapstructure:"case_table"`

	MatchTarsFunction      string `mapstructure:"match_tars_function"`
	MatchCaseFunction      string `mapstructure:"match_case_function"`
	MatchDocumentsFunction string `mapstructure:"match_documents_function"`
}

// OpenAIConfig holds provider credentials.
type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Organization string `mapstructure:"organization"`
}

// LLMConfig stores chat completion settings shared by the summarizer and the personas.
type LLMConfig struct {
	Model        string  `mapstructure:"model" validate:"required"`
	SummaryModel string  `mapstructure:"summary_model"`
	MaxTokens    int     `mapstructure:"max_tokens" validate:"gt=0"`
	Temperature  float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// EmbeddingConfig stores embedding model settings.
type EmbeddingConfig struct {
	Model string `mapstructure:"model" validate:"required"`
	Dims  int    `mapstructure:"dims" validate:"gt=0,lte=65536"`
}

// ConversationConfig controls the TARS/CASE turn loop.
type ConversationConfig struct {
	MatchThreshold   float64       `mapstructure:"match_threshold" validate:"gte=0,lte=1"`
	MatchCount       int           `mapstructure:"match_count" validate:"gt=0"`
	IncludeDocuments bool          `mapstructure:"include_documents"`
	SequentialMatch  bool          `mapstructure:"sequential_match"`           // query partitions one at a time
	MaxTurns         int           `mapstructure:"max_turns" validate:"gte=0"` // 0 runs until stopped
	TurnTimeout      time.Duration `mapstructure:"turn_timeout"`               // 0 disables the per-turn deadline
	SeedPrompt       string        `mapstructure:"seed_prompt" validate:"required"`
	Specialties      string        `mapstructure:"specialties" validate:"required"`
	Task             string        `mapstructure:"task" validate:"required"`
	ContextMaxTokens int           `mapstructure:"context_max_tokens" validate:"gte=0"` // 0 keeps every retrieved log
}

// HarnessConfig stores the provider call guards.
type HarnessConfig struct {
	// Embedding cache
	CacheEnabled    bool `mapstructure:"cache_enabled"`
	CacheCapacity   int  `mapstructure:"cache_capacity" validate:"gte=0"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds" validate:"gte=0"`

	// Provider rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity" validate:"gte=0"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Retries are off by default; provider failures surface immediately.
	RetryCount   int           `mapstructure:"retry_count" validate:"gte=0"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Circuit breaker
	BreakerEnabled      bool          `mapstructure:"breaker_enabled"`
	BreakerMaxRequests  uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio" validate:"gte=0,lte=1"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`

	// Output checks
	EnableGuardrails bool `mapstructure:"enable_guardrails"`
	RedactSecrets    bool `mapstructure:"redact_secrets"`
	MaxOutputSize    int  `mapstructure:"max_output_size" validate:"gte=0"`

	EnableTracing bool `mapstructure:"enable_tracing"`
}

// ServerConfig stores the HTTP surface settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	BodyLimitBytes    int64         `mapstructure:"body_limit_bytes" validate:"gt=0"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests" validate:"gte=0"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RetainFinished    int           `mapstructure:"retain_finished" validate:"gte=0"` // finished conversations kept for GET
}

// Loader reads configuration and keeps the viper instance around for reloads.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with every default registered.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	return &Loader{v: v}
}

// BindFlags lets command-line flags override file and environment values.
// Flags are matched to keys by name, e.g. --conversation.max_turns.
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	return l.v.BindPFlags(flags)
}

// Viper exposes the underlying viper instance.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads configuration from file, .env and environment variables.
func (l *Loader) Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	} else {
		l.v.AddConfigPath(".")
		l.v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		l.v.AddConfigPath(internal.DefaultConfigPath)
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
	}

	l.v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. openai.api_key becomes OPENAI_API_KEY
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = l.v.BindEnv("store.supabase.url", "STORE_SUPABASE_URL", "SUPABASE_URL")
	_ = l.v.BindEnv("store.supabase.api_key", "STORE_SUPABASE_API_KEY", "SUPABASE_API_KEY")

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	return l.decode()
}

// Watch re-decodes the configuration whenever the config file changes and
// hands valid results to onChange. Invalid edits are reported through onError.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Store.Backend == "supabase" {
		if c.Store.Supabase.URL == "" || c.Store.Supabase.APIKey == "" {
			return fmt.Errorf("invalid configuration: store.supabase.url and store.supabase.api_key are required for the supabase backend")
		}
	}
	if c.Store.Backend == "libsql" && c.Database.DSN == "" {
		return fmt.Errorf("invalid configuration: database.dsn is required for the libsql backend")
	}
	return nil
}

// LoadConfig is a convenience wrapper for callers that do not need reloads.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_idle_sec", 300)
	v.SetDefault("database.conn_max_life_sec", 3600)
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.sync_mode", "NORMAL")
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("store.backend", internal.DefaultDatabaseType)
	v.SetDefault("store.supabase.url", "")
	v.SetDefault("store.supabase.api_key", "")
	v.SetDefault("store.supabase.tars_table", "tars")
	v.SetDefault("store.supabase.case_table", "case")
	v.SetDefault("store.supabase.match_tars_function", "match_tars_logs")
	v.SetDefault("store.supabase.match_case_function", "match_case_logs")
	v.SetDefault("store.supabase.match_documents_function", "match_documents")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.organization", "")

	v.SetDefault("llm.model", internal.DefaultChatModel)
	v.SetDefault("llm.summary_model", "")
	v.SetDefault("llm.max_tokens", internal.DefaultMaxTokens)
	v.SetDefault("llm.temperature", internal.DefaultTemperature)

	v.SetDefault("embedding.model", internal.DefaultEmbeddingModel)
	v.SetDefault("embedding.dims", internal.DefaultEmbeddingDims)

	v.SetDefault("conversation.match_threshold", internal.DefaultMatchThreshold)
	v.SetDefault("conversation.match_count", internal.DefaultMatchCount)
	v.SetDefault("conversation.include_documents", false)
	v.SetDefault("conversation.sequential_match", false)
	v.SetDefault("conversation.max_turns", 0)
	v.SetDefault("conversation.turn_timeout", "0s")
	v.SetDefault("conversation.seed_prompt", internal.DefaultSeedPrompt)
	v.SetDefault("conversation.specialties", "artificial intelligence, machine learning, cognitive architectures and large-scale systems engineering")
	v.SetDefault("conversation.task", "developing a concrete, step-by-step plan to create Artificial General Intelligence")
	v.SetDefault("conversation.context_max_tokens", 0)

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.cache_ttl_seconds", 3600)
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.retry_count", 0)
	v.SetDefault("harness.retry_backoff", "500ms")
	v.SetDefault("harness.request_timeout", "0s")
	v.SetDefault("harness.breaker_enabled", true)
	v.SetDefault("harness.breaker_max_requests", 1)
	v.SetDefault("harness.breaker_interval", "60s")
	v.SetDefault("harness.breaker_timeout", "30s")
	v.SetDefault("harness.breaker_failure_ratio", 0.6)
	v.SetDefault("harness.breaker_min_requests", 5)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.redact_secrets", false)
	v.SetDefault("harness.max_output_size", 64*1024)
	v.SetDefault("harness.enable_tracing", true)

	v.SetDefault("server.addr", internal.DefaultListenAddr)
	v.SetDefault("server.body_limit_bytes", 50<<20)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_enabled", false)
	v.SetDefault("server.rate_limit_window", "10m")
	v.SetDefault("server.rate_limit_requests", 100)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.retain_finished", 100)
}
