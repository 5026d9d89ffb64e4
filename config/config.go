// Package config loads ragstream settings from a config file, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hubenschmidt/go-ragstream/core"
)

// Config holds all application configuration.
type Config struct {
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Chunk     ChunkConfig     `mapstructure:"chunk"`
	Query     QueryConfig     `mapstructure:"query"`
	History   HistoryConfig   `mapstructure:"history"`
	Data      DataConfig      `mapstructure:"data"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Verbose   bool            `mapstructure:"verbose"`
}

type OllamaConfig struct {
	URL string `mapstructure:"url"`
}

type EmbeddingConfig struct {
	// Provider is "ollama" or "openai".
	Provider          string  `mapstructure:"provider"`
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Timeout           int     `mapstructure:"timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// IncludeMetadata prefixes embedded text with the chunk's metadata.
	IncludeMetadata bool `mapstructure:"include_metadata"`
}

type ChatConfig struct {
	Model        string `mapstructure:"model"`
	BaseURL      string `mapstructure:"base_url"`
	Timeout      int    `mapstructure:"timeout"`
	// SystemPrompt overrides the built-in instruction when set.
	SystemPrompt string `mapstructure:"system_prompt"`
}

type VectorConfig struct {
	DSN        string `mapstructure:"dsn"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	Index      string `mapstructure:"index"`
	Dimension  int    `mapstructure:"dimension"`
	Swap       bool   `mapstructure:"swap"`
}

type ChunkConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

type QueryConfig struct {
	TopK       int `mapstructure:"top_k"`
	Candidates int `mapstructure:"candidates"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

var defaults = map[string]any{
	"ollama.url":                    "http://localhost:11434",
	"embedding.provider":            "ollama",
	"embedding.model":               "nomic-embed-text",
	"embedding.base_url":            "",
	"embedding.api_key":             "",
	"embedding.timeout":             60,
	"embedding.requests_per_second": 0.0,
	"embedding.burst":               0,
	"embedding.include_metadata":    false,
	"chat.model":                    "tinydolphin",
	"chat.base_url":                 "",
	"chat.timeout":                  600,
	"chat.system_prompt":            "",
	"vector.dsn":                    "",
	"vector.database":               "",
	"vector.collection":             "",
	"vector.index":                  "vector_index",
	"vector.dimension":              768,
	"vector.swap":                   false,
	"chunk.size":                    100,
	"chunk.overlap":                 10,
	"query.top_k":                   3,
	"query.candidates":              150,
	"history.dsn":                   "data/ragstream.db",
	"data.dir":                      "data",
	"server.addr":                   ":8000",
	"tracing.endpoint":              "",
	"tracing.service_name":          "ragstream",
	"verbose":                       false,
}

// Bare variable names accepted alongside the RAG_ prefixed ones.
var legacyEnv = map[string]string{
	"embedding.model":   "EMBEDDING_MODEL",
	"chat.model":        "LLM_MODEL",
	"vector.dsn":        "MONGO_URI",
	"vector.database":   "DB_NAME",
	"vector.collection": "COLLECTION_NAME",
	"vector.index":      "INDEX_NAME",
	"embedding.api_key": "OPENAI_API_KEY",
}

// Load reads configuration from path (optional), a .env file in the working
// directory (optional) and the environment. Environment wins over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] Ignoring .env: %v", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		envKey := "RAG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, name); err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate fails on any missing required setting. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		key, value string
	}{
		{"embedding.model", c.Embedding.Model},
		{"chat.model", c.Chat.Model},
		{"vector.dsn", c.Vector.DSN},
		{"vector.database", c.Vector.Database},
		{"vector.collection", c.Vector.Collection},
		{"vector.index", c.Vector.Index},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required", core.ErrInvalidConfig, r.key))
		}
	}

	if c.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("%w: chunk.size must be positive, got %d", core.ErrInvalidConfig, c.Chunk.Size))
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		errs = append(errs, fmt.Errorf("%w: chunk.overlap must be in [0, chunk.size), got %d", core.ErrInvalidConfig, c.Chunk.Overlap))
	}
	if c.Query.TopK <= 0 {
		errs = append(errs, fmt.Errorf("%w: query.top_k must be positive, got %d", core.ErrInvalidConfig, c.Query.TopK))
	}
	switch c.Embedding.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown embedding.provider %q", core.ErrInvalidConfig, c.Embedding.Provider))
	}

	return errors.Join(errs...)
}

// ChatURL is the generation endpoint, falling back to the Ollama host.
func (c *Config) ChatURL() string {
	if c.Chat.BaseURL != "" {
		return c.Chat.BaseURL
	}
	return c.Ollama.URL
}

// EmbeddingURL is the embedding endpoint. For the ollama provider it falls
// back to the Ollama host; for openai an empty value means the public API.
func (c *Config) EmbeddingURL() string {
	if c.Embedding.BaseURL != "" || c.Embedding.Provider == "openai" {
		return c.Embedding.BaseURL
	}
	return c.Ollama.URL
}
