// Package config handles evchat configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/evchat/config.yaml,
// /etc/evchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "evchat", "config.yaml"))
	}

	paths = append(paths, "/etc/evchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all evchat configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Retry     RetryConfig     `yaml:"retry"`
	Tools     ToolsConfig     `yaml:"tools"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Voice     VoiceConfig     `yaml:"voice"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the relational store holding charging data and
// conversation history.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// Path is the database file. Relative paths resolve against DataDir.
	Path string `yaml:"path"`
	// CreateSchema creates the charging tables when missing. Intended for
	// development databases only.
	CreateSchema bool `yaml:"create_schema"`
}

// HistoryConfig controls what part of a conversation is sent to the model.
type HistoryConfig struct {
	// ContextMessages is the maximum number of non-system messages sent
	// per model call. Persisted history is never truncated.
	ContextMessages int `yaml:"context_messages"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Provider  string        `yaml:"provider"` // default provider: openai or ollama
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// OpenAIConfig defines OpenAI (or OpenAI-compatible) API settings.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// RetryConfig controls retries of model calls on transient failures.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ToolsConfig controls tool dispatch.
type ToolsConfig struct {
	// Parallel is the number of tool calls from one model turn that may run
	// at once. 0 or 1 runs them sequentially.
	Parallel int `yaml:"parallel"`
	// Timeout bounds a single tool execution.
	Timeout time.Duration `yaml:"timeout"`
}

// KnowledgeConfig controls the retrieval-augmented knowledge base behind
// the retrieveEVKnowledge tool.
type KnowledgeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DocsDir        string `yaml:"docs_dir"`
	Path           string `yaml:"path"`     // vector store database
	Embedder       string `yaml:"embedder"` // openai or ollama
	EmbeddingModel string `yaml:"embedding_model"`
	AnswerModel    string `yaml:"answer_model"`
	TopK           int    `yaml:"top_k"`
	ChunkSize      int    `yaml:"chunk_size"`
	ChunkOverlap   int    `yaml:"chunk_overlap"`
}

// VoiceConfig controls the speech endpoints.
type VoiceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	STTModel string `yaml:"stt_model"`
	TTSModel string `yaml:"tts_model"`
	Voice    string `yaml:"voice"`
}

// MQTTConfig defines the broker used for reservation events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://broker:1883 or mqtts://...
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// PublishInterval is how often usage statistics are published.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // host:port of the OTLP/HTTP collector
	URLPath     string  `yaml:"url_path"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RateLimitConfig bounds how fast a single user may send chat requests.
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute"` // 0 disables limiting
	Burst     int     `yaml:"burst"`
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = "ev_charging.db"
	}
	if c.History.ContextMessages == 0 {
		c.History.ContextMessages = 50
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o-mini"
	}
	if c.Models.Provider == "" {
		c.Models.Provider = "openai"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = c.Models.Provider
		}
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 20 * time.Second
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if c.Knowledge.Path == "" {
		c.Knowledge.Path = "vectorstore.db"
	}
	if c.Knowledge.DocsDir == "" {
		c.Knowledge.DocsDir = "data"
	}
	if c.Knowledge.Embedder == "" {
		c.Knowledge.Embedder = c.Models.Provider
	}
	if c.Knowledge.AnswerModel == "" {
		c.Knowledge.AnswerModel = c.Models.Default
	}
	if c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = 3
	}
	if c.Knowledge.ChunkSize == 0 {
		c.Knowledge.ChunkSize = 750
	}
	if c.Knowledge.ChunkOverlap == 0 {
		c.Knowledge.ChunkOverlap = 150
	}
	if c.Voice.STTModel == "" {
		c.Voice.STTModel = "whisper-1"
	}
	if c.Voice.TTSModel == "" {
		c.Voice.TTSModel = "tts-1"
	}
	if c.Voice.Voice == "" {
		c.Voice.Voice = "alloy"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "evchat"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = time.Minute
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "evchat"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "evchat"
	}
	if c.Tracing.URLPath == "" {
		c.Tracing.URLPath = "/v1/traces"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1.0
	}
	if c.RateLimit.PerMinute > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite3 or sqlite", c.Database.Driver))
	}
	if !validProvider(c.Models.Provider) {
		errs = append(errs, fmt.Errorf("models.provider %q must be openai or ollama", c.Models.Provider))
	}
	for _, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, errors.New("models.available entry has no name"))
		}
		if !validProvider(m.Provider) {
			errs = append(errs, fmt.Errorf("model %q: provider %q must be openai or ollama", m.Name, m.Provider))
		}
	}
	if c.History.ContextMessages < 0 {
		errs = append(errs, errors.New("history.context_messages must not be negative"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Tools.Parallel < 0 {
		errs = append(errs, errors.New("tools.parallel must not be negative"))
	}
	if c.Knowledge.Enabled {
		if !validProvider(c.Knowledge.Embedder) {
			errs = append(errs, fmt.Errorf("knowledge.embedder %q must be openai or ollama", c.Knowledge.Embedder))
		}
		if c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
			errs = append(errs, errors.New("knowledge.chunk_overlap must be smaller than chunk_size"))
		}
	}
	if c.Voice.Enabled && !c.OpenAI.Configured() {
		errs = append(errs, errors.New("voice requires openai.api_key"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must not be negative"))
	}

	return errors.Join(errs...)
}

// DatabasePath returns the database file resolved against DataDir.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Database.Path)
}

// KnowledgePath returns the vector store file resolved against DataDir.
func (c *Config) KnowledgePath() string {
	return c.resolve(c.Knowledge.Path)
}

func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func validProvider(p string) bool {
	return p == "openai" || p == "ollama"
}
