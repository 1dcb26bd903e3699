package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the routing pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Router    RouterConfig    `mapstructure:"router"`
	Topics    TopicsConfig    `mapstructure:"topics"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Context   ContextConfig   `mapstructure:"context"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains auxiliary/embedding model provider configuration.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string        `mapstructure:"type"` // openai, local, etc.
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig names the models used for each auxiliary task.
type LLMRoutingConfig struct {
	Decision   string `mapstructure:"decision"`   // compact model that emits routing decisions
	Classifier string `mapstructure:"classifier"` // compact model that emits topic decisions
	Embedding  string `mapstructure:"embedding"`  // embedding model for memory similarity
	Fallback   string `mapstructure:"fallback"`
}

// TierConfig describes one downstream generation tier and the reasoning
// efforts legal on it. The effort sets are configuration on purpose: they
// have shifted between model generations and must not be hard-coded.
type TierConfig struct {
	Model   string   `mapstructure:"model"`
	Efforts []string `mapstructure:"efforts"`
}

// RouterConfig tunes the decision engine.
type RouterConfig struct {
	Tiers              map[string]TierConfig `mapstructure:"tiers"`
	UsageHighWater     float64               `mapstructure:"usage_high_water"`     // usage percentage at which tiers are forced cheaper
	ThinkingKeywords   []string              `mapstructure:"thinking_keywords"`    // escalate effort to high when matched
	LongPromptChars    int                   `mapstructure:"long_prompt_chars"`    // escalate effort to high beyond this length
	ContextWindowLines int                   `mapstructure:"context_window_lines"` // history lines shown to the decision model
	PromptTokenCap     int                   `mapstructure:"prompt_token_cap"`     // hard cap on the decision prompt
	MemoryWriteMax     int                   `mapstructure:"memory_write_max"`     // max memory writes accepted per decision
}

func (r RouterConfig) Normalize() RouterConfig {
	if len(r.Tiers) == 0 {
		r.Tiers = map[string]TierConfig{
			"compact":  {Model: "gpt-4o-mini", Efforts: []string{"minimal", "low", "medium", "high"}},
			"balanced": {Model: "gpt-4o", Efforts: []string{"minimal", "low", "medium", "high"}},
			"flagship": {Model: "gpt-4.1", Efforts: []string{"none", "minimal", "low", "medium", "high"}},
		}
	}
	if r.UsageHighWater <= 0 {
		r.UsageHighWater = 85
	}
	if len(r.ThinkingKeywords) == 0 {
		r.ThinkingKeywords = []string{"prove", "derive", "step by step", "carefully", "analyze"}
	}
	if r.LongPromptChars <= 0 {
		r.LongPromptChars = 2000
	}
	if r.ContextWindowLines <= 0 {
		r.ContextWindowLines = 20
	}
	if r.PromptTokenCap <= 0 {
		r.PromptTokenCap = 4000
	}
	if r.MemoryWriteMax <= 0 {
		r.MemoryWriteMax = 5
	}
	return r
}

func (r RouterConfig) Validate() error {
	for _, tier := range []string{"compact", "balanced", "flagship"} {
		tc, ok := r.Tiers[tier]
		if !ok {
			return fmt.Errorf("router.tiers.%s is required", tier)
		}
		if strings.TrimSpace(tc.Model) == "" {
			return fmt.Errorf("router.tiers.%s.model is required", tier)
		}
		if len(tc.Efforts) == 0 {
			return fmt.Errorf("router.tiers.%s.efforts must not be empty", tier)
		}
	}
	return nil
}

// TopicsConfig tunes the topic classifier.
type TopicsConfig struct {
	MaxLabelChars          int `mapstructure:"max_label_chars"`
	MaxSecondaryTopics     int `mapstructure:"max_secondary_topics"`
	MaxArtifacts           int `mapstructure:"max_artifacts"`
	RecentMessages         int `mapstructure:"recent_messages"`
	CrossConversationLimit int `mapstructure:"cross_conversation_limit"` // other conversations whose topics stay eligible
	TopicTokenCeiling      int `mapstructure:"topic_token_ceiling"`      // cross-conversation topics above this are excluded
}

func (t TopicsConfig) Normalize() TopicsConfig {
	if t.MaxLabelChars <= 0 {
		t.MaxLabelChars = 80
	}
	if t.MaxSecondaryTopics <= 0 {
		t.MaxSecondaryTopics = 3
	}
	if t.MaxArtifacts <= 0 {
		t.MaxArtifacts = 3
	}
	if t.RecentMessages <= 0 {
		t.RecentMessages = 10
	}
	if t.CrossConversationLimit <= 0 {
		t.CrossConversationLimit = 3
	}
	if t.TopicTokenCeiling <= 0 {
		t.TopicTokenCeiling = 4000
	}
	return t
}

// MemoryConfig controls semantic memory similarity behaviour.
type MemoryConfig struct {
	EmbeddingModel      string  `mapstructure:"embedding_model"`
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	DuplicateThreshold  float64 `mapstructure:"duplicate_threshold"` // cosine similarity above which a write is suppressed
	RefineThreshold     float64 `mapstructure:"refine_threshold"`    // cosine similarity above which a write updates in place
	SearchThreshold     float64 `mapstructure:"search_threshold"`    // minimum similarity for fetch results
	DefaultFetchLimit   int     `mapstructure:"default_fetch_limit"`
}

func (m MemoryConfig) Normalize() MemoryConfig {
	if m.EmbeddingModel == "" {
		m.EmbeddingModel = "text-embedding-3-small"
	}
	if m.EmbeddingDimensions <= 0 {
		m.EmbeddingDimensions = 1536
	}
	if m.DuplicateThreshold <= 0 {
		m.DuplicateThreshold = 0.90
	}
	if m.RefineThreshold <= 0 {
		m.RefineThreshold = 0.85
	}
	if m.SearchThreshold <= 0 {
		m.SearchThreshold = 0.60
	}
	if m.DefaultFetchLimit <= 0 {
		m.DefaultFetchLimit = 10
	}
	return m
}

func (m MemoryConfig) Validate() error {
	if m.RefineThreshold >= m.DuplicateThreshold {
		return fmt.Errorf("memory.refine_threshold must be below memory.duplicate_threshold")
	}
	return nil
}

// ContextConfig tunes assembled prompt bounds and the truncation rule.
type ContextConfig struct {
	RecentWindow         int `mapstructure:"recent_window"` // messages loaded for the "recent" strategy
	UserPrefixChars      int `mapstructure:"user_prefix_chars"`
	UserSuffixChars      int `mapstructure:"user_suffix_chars"`
	AssistantPrefixChars int `mapstructure:"assistant_prefix_chars"`
	CharsPerToken        int `mapstructure:"chars_per_token"`
	HardTokenCap         int `mapstructure:"hard_token_cap"`
}

func (c ContextConfig) Normalize() ContextConfig {
	if c.RecentWindow <= 0 {
		c.RecentWindow = 15
	}
	if c.UserPrefixChars <= 0 {
		c.UserPrefixChars = 200
	}
	if c.UserSuffixChars <= 0 {
		c.UserSuffixChars = 100
	}
	if c.AssistantPrefixChars <= 0 {
		c.AssistantPrefixChars = 300
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.HardTokenCap <= 0 {
		c.HardTokenCap = 8000
	}
	return c
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	LogFile      string `mapstructure:"log_file"`
}

// LoadConfig loads config from file, falling back to env and defaults.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.routing.decision", "gpt-4o-mini")
	viper.SetDefault("llm.routing.classifier", "gpt-4o-mini")
	viper.SetDefault("llm.routing.embedding", "text-embedding-3-small")
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ROUTERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// env-only configuration is allowed; a missing file is not fatal
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Router = cfg.Router.Normalize()
	cfg.Topics = cfg.Topics.Normalize()
	cfg.Memory = cfg.Memory.Normalize()
	cfg.Context = cfg.Context.Normalize()

	if err := cfg.Router.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Memory.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
