package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the teleton agent
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Session    SessionConfig    `mapstructure:"session"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Plugins    PluginsConfig    `mapstructure:"plugins"`
	Cron       CronConfig       `mapstructure:"cron"`
	Security   SecurityConfig   `mapstructure:"security"`
	Log        LogConfig        `mapstructure:"log"`
	Workspace  string           `mapstructure:"workspace"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// LLMConfig holds language model settings
type LLMConfig struct {
	DefaultProvider string              `mapstructure:"default_provider"`
	Providers       map[string]Provider `mapstructure:"providers"`
	RequestsPerMin  int                 `mapstructure:"requests_per_minute"`
	BreakerFailures int                 `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration       `mapstructure:"breaker_timeout"`
}

// Provider holds individual LLM provider configuration
type Provider struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	Timeout   int    `mapstructure:"timeout"`
	MaxTokens int    `mapstructure:"max_tokens"`
	// ToolLimit caps the tool list size some providers accept. 0 means no cap.
	ToolLimit int `mapstructure:"tool_limit"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BotToken    string  `mapstructure:"bot_token"`
	BotUsername string  `mapstructure:"bot_username"`
	Admins      []int64 `mapstructure:"admins"`
	AllowList   []int64 `mapstructure:"allow_list"`
	// GroupMode is "mention" (answer only when addressed) or "all".
	GroupMode string `mapstructure:"group_mode"`
}

// AgentConfig holds agentic loop settings
type AgentConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations"`
	ToolTimeout          time.Duration `mapstructure:"tool_timeout"`
	RateLimitMaxRetries  int           `mapstructure:"rate_limit_max_retries"`
	RateLimitBaseDelay   time.Duration `mapstructure:"rate_limit_base_delay"`
	ToolResultMaxBytes   int           `mapstructure:"tool_result_max_bytes"`
	MaskKeepRecent       int           `mapstructure:"mask_keep_recent"`
	OverflowSummaryTurns int           `mapstructure:"overflow_summary_turns"`
	PendingMaxMessages   int           `mapstructure:"pending_max_messages"`
	PendingMaxAge        time.Duration `mapstructure:"pending_max_age"`
	ShortMessageChars    int           `mapstructure:"short_message_chars"`
	MemoryResults        int           `mapstructure:"memory_results"`
	QueueWarnDepth       int           `mapstructure:"queue_warn_depth"`
	SystemPrompt         string        `mapstructure:"system_prompt"`
}

// SessionConfig holds session reset policy settings
type SessionConfig struct {
	ResetMode   string `mapstructure:"reset_mode"`
	AtHour      int    `mapstructure:"at_hour"`
	IdleMinutes int    `mapstructure:"idle_minutes"`
	Timezone    string `mapstructure:"timezone"`
}

// ToolsConfig holds tool registry settings
type ToolsConfig struct {
	Disabled              []string      `mapstructure:"disabled"`
	DataBearingCategories []string      `mapstructure:"data_bearing_categories"`
	RAG                   ToolRAGConfig `mapstructure:"rag"`
	WebFetchMaxBytes      int           `mapstructure:"web_fetch_max_bytes"`
}

// ToolRAGConfig holds relevance-based tool selection settings
type ToolRAGConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	TopK          int      `mapstructure:"top_k"`
	MinScore      float32  `mapstructure:"min_score"`
	AlwaysInclude []string `mapstructure:"always_include"`
}

// CompactionConfig holds transcript compaction settings
type CompactionConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	ThresholdRatio float64 `mapstructure:"threshold_ratio"`
	KeepRecent     int     `mapstructure:"keep_recent"`
}

// PluginsConfig holds plugin discovery settings
type PluginsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// CronConfig holds maintenance job settings
type CronConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PendingPrune string `mapstructure:"pending_prune"`
	SessionSweep string `mapstructure:"session_sweep"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.Set("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "teleton.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))
	v.SetDefault("plugins.dir", filepath.Join(dataDir, "plugins"))
	v.SetDefault("workspace", filepath.Join(dataDir, "workspace"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "teleton.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (TELETON_SERVER_PORT, TELETON_AGENT_MAX_ITERATIONS, etc.)
	v.SetEnvPrefix("TELETON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper doesn't handle nested maps well with env vars
	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.providers.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.timeout", 120)
	v.SetDefault("llm.providers.openai.max_tokens", 4096)
	v.SetDefault("llm.providers.openai.tool_limit", 128)
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.breaker_failures", 5)
	v.SetDefault("llm.breaker_timeout", "30s")

	v.SetDefault("telegram.group_mode", "mention")

	v.SetDefault("agent.max_iterations", 5)
	v.SetDefault("agent.tool_timeout", "90s")
	v.SetDefault("agent.rate_limit_max_retries", 3)
	v.SetDefault("agent.rate_limit_base_delay", "1s")
	v.SetDefault("agent.tool_result_max_bytes", 50000)
	v.SetDefault("agent.mask_keep_recent", 10)
	v.SetDefault("agent.overflow_summary_turns", 15)
	v.SetDefault("agent.pending_max_messages", 50)
	v.SetDefault("agent.pending_max_age", "2h")
	v.SetDefault("agent.short_message_chars", 8)
	v.SetDefault("agent.memory_results", 5)
	v.SetDefault("agent.queue_warn_depth", 20)

	v.SetDefault("session.reset_mode", "daily")
	v.SetDefault("session.at_hour", 4)
	v.SetDefault("session.idle_minutes", 0)
	v.SetDefault("session.timezone", "Local")

	v.SetDefault("tools.data_bearing_categories", []string{"memory", "data-bearing"})
	v.SetDefault("tools.rag.enabled", false)
	v.SetDefault("tools.rag.top_k", 25)
	v.SetDefault("tools.rag.min_score", 0.1)
	v.SetDefault("tools.rag.always_include", []string{"telegram_send_message", "memory_*"})
	v.SetDefault("tools.web_fetch_max_bytes", 200000)

	v.SetDefault("compaction.enabled", true)
	v.SetDefault("compaction.max_tokens", 128000)
	v.SetDefault("compaction.threshold_ratio", 0.75)
	v.SetDefault("compaction.keep_recent", 10)

	v.SetDefault("plugins.watch", true)

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.pending_prune", "@every 5m")
	v.SetDefault("cron.session_sweep", "@every 10m")

	v.SetDefault("security.allow_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// DefaultDataDir is $XDG_DATA_HOME/teleton or ~/.teleton
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "teleton")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".teleton")
}

// loadEnvOverrides loads specific env vars that Viper doesn't handle well with nested maps
func loadEnvOverrides(cfg *Config) {
	cfg.LLM.DefaultProvider = GetEnvDefault("TELETON_LLM_DEFAULT_PROVIDER", cfg.LLM.DefaultProvider)

	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]Provider)
	}

	for _, name := range []string{"openai", "openrouter", "groq", "deepseek"} {
		prefix := "TELETON_LLM_PROVIDERS_" + strings.ToUpper(name) + "_"
		apiKey := ResolveEnvWithAliases(prefix + "API_KEY")
		if apiKey == "" {
			continue
		}
		p := cfg.LLM.Providers[name]
		p.APIKey = apiKey
		p.BaseURL = GetEnvDefault(prefix+"BASE_URL", p.BaseURL)
		p.Model = GetEnvDefault(prefix+"MODEL", p.Model)
		cfg.LLM.Providers[name] = p
	}

	cfg.Telegram.BotToken = firstNonEmpty(ResolveEnvWithAliases("TELETON_TELEGRAM_BOT_TOKEN"), cfg.Telegram.BotToken)
	if admins := os.Getenv("TELETON_TELEGRAM_ADMINS"); admins != "" {
		cfg.Telegram.Admins = parseIDList(admins)
	}

	cfg.Server.Address = GetEnvDefault("TELETON_SERVER_ADDRESS", cfg.Server.Address)
	if port := os.Getenv("TELETON_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	cfg.Security.JWTSecret = firstNonEmpty(ResolveEnvWithAliases("TELETON_SECURITY_JWT_SECRET"), cfg.Security.JWTSecret)
}

func validate(cfg *Config) error {
	if cfg.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider is required")
	}

	provider, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	if !ok {
		return fmt.Errorf("provider %s not configured", cfg.LLM.DefaultProvider)
	}

	if provider.APIKey == "" {
		return &MissingEnvError{
			Setting: "llm.providers." + cfg.LLM.DefaultProvider + ".api_key",
			Key:     "TELETON_LLM_PROVIDERS_" + strings.ToUpper(cfg.LLM.DefaultProvider) + "_API_KEY",
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken == "" {
		return &MissingEnvError{Setting: "telegram.bot_token", Key: "TELETON_TELEGRAM_BOT_TOKEN"}
	}

	if cfg.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if cfg.Agent.ToolTimeout <= 0 {
		return fmt.Errorf("agent.tool_timeout must be positive")
	}
	if cfg.Agent.RateLimitMaxRetries < 0 {
		return fmt.Errorf("agent.rate_limit_max_retries cannot be negative")
	}

	switch cfg.Session.ResetMode {
	case "never", "daily", "idle", "daily+idle":
	default:
		return fmt.Errorf("session.reset_mode %q is not one of never, daily, idle, daily+idle", cfg.Session.ResetMode)
	}
	if cfg.Session.AtHour < 0 || cfg.Session.AtHour > 23 {
		return fmt.Errorf("session.at_hour must be between 0 and 23")
	}

	if cfg.Compaction.ThresholdRatio <= 0 || cfg.Compaction.ThresholdRatio > 1 {
		return fmt.Errorf("compaction.threshold_ratio must be in (0, 1]")
	}

	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = generateRandomString(32)
	}

	return nil
}

func generateRandomString(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)[:n]
}

func parseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// GetProvider returns the provider configuration by name
func (c *Config) GetProvider(name string) (Provider, bool) {
	p, ok := c.LLM.Providers[name]
	return p, ok
}

// DefaultProvider returns the default provider configuration
func (c *Config) DefaultProvider() (Provider, error) {
	p, ok := c.LLM.Providers[c.LLM.DefaultProvider]
	if !ok {
		return Provider{}, fmt.Errorf("default provider %s not found", c.LLM.DefaultProvider)
	}
	return p, nil
}

// Location resolves the session timezone, falling back to local time.
func (s SessionConfig) Location() *time.Location {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IsAdmin reports whether the Telegram user id is in the admin set.
func (t TelegramConfig) IsAdmin(userID int64) bool {
	for _, id := range t.Admins {
		if id == userID {
			return true
		}
	}
	return false
}
