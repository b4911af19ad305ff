package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the finsight service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen   string `mapstructure:"listen"`
	APIKey   string `mapstructure:"api_key"` // static bearer/X-API-Key secret; empty disables auth
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig contains the OpenAI-compatible provider settings
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SearchConfig contains news search provider credentials
type SearchConfig struct {
	SerpAPIKey   string        `mapstructure:"serpapi_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MarketDataConfig contains OHLCV provider settings
type MarketDataConfig struct {
	TwelveDataAPIKey string        `mapstructure:"twelve_data_api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
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
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from either the URL or the discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings. Redis is optional: it fronts
// the embedding provider as a cache and is skipped entirely when host is empty.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port, or empty when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// MemoryConfig controls conversation memory behaviour
type MemoryConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	IndexPath    string `mapstructure:"index_path"`
	RecentLimit  int    `mapstructure:"recent_limit"`
	RelatedTopK  int    `mapstructure:"related_top_k"`
	RecentChars  int    `mapstructure:"recent_chars"`
	RelatedChars int    `mapstructure:"related_chars"`
}

// PipelineConfig contains agent pipeline settings
type PipelineConfig struct {
	MaxRetries      int `mapstructure:"max_retries"`
	DefaultDays     int `mapstructure:"default_days"`
	DefaultArticles int `mapstructure:"default_max_articles"`
	DefaultOutput   int `mapstructure:"default_outputsize"`
	DefaultHorizon  int `mapstructure:"default_horizon_days"`
}

// LoadConfig loads config from file plus FINSIGHT_* environment overrides.
func LoadConfig(path string) (Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.listen", ":8080")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.completion_model", "gpt-4o-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.timeout", "90s")
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("search.timeout", "15s")
	viper.SetDefault("market_data.timeout", "15s")
	viper.SetDefault("memory.data_dir", "data")
	viper.SetDefault("memory.recent_limit", 6)
	viper.SetDefault("memory.related_top_k", 6)
	viper.SetDefault("memory.recent_chars", 240)
	viper.SetDefault("memory.related_chars", 200)
	viper.SetDefault("pipeline.max_retries", 2)
	viper.SetDefault("pipeline.default_days", 7)
	viper.SetDefault("pipeline.default_max_articles", 8)
	viper.SetDefault("pipeline.default_outputsize", 260)
	viper.SetDefault("pipeline.default_horizon_days", 30)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FINSIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// env-only deployments run without a config file
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if config.Memory.IndexPath == "" {
		config.Memory.IndexPath = config.Memory.DataDir + "/vectors.idx"
	}
	return config, nil
}
