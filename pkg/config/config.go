package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Zilliz     ZillizConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Deflection DeflectionConfig
	Analytics  AnalyticsConfig
	Kafka      KafkaConfig
	Delivery   DeliveryConfig
	Pipeline   PipelineConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	RateLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLMin int
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type EmbeddingConfig struct {
	Model          string
	Dim            int
	TimeoutSec     int
	MaxChars       int
	BatchSize      int
	BatchDelayMS   int
	// AllowSimulated substitutes tagged pseudo-random vectors when the provider is unavailable.
	AllowSimulated bool
}

type RetrievalConfig struct {
	Backend             string
	SimilarityThreshold float64
	MaxResults          int
	KeywordResults      int
	MaxKeywords         int
}

// DeflectionConfig holds the settings applied to users that never saved their own.
type DeflectionConfig struct {
	AutoResponseEnabled bool
	ConfidenceThreshold float64
	EscalationThreshold float64
	ResponseLanguage    string
	BusinessHoursOnly   bool
	ExcludedCategories  []string
	EscalationKeywords  []string
}

type AnalyticsConfig struct {
	FlatRatePerTicket float64
	MonthlyCost       float64
	RollupIntervalMin int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type DeliveryConfig struct {
	WebhookURL string
	APIToken   string
	TimeoutSec int
}

type PipelineConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialDelayMS int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/deflection")

	viper.SetEnvPrefix("DEFLECTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Deflection.ConfidenceThreshold <= c.Deflection.EscalationThreshold {
		return fmt.Errorf("deflection.confidenceThreshold (%.2f) must be greater than deflection.escalationThreshold (%.2f)",
			c.Deflection.ConfidenceThreshold, c.Deflection.EscalationThreshold)
	}
	switch c.Retrieval.Backend {
	case "sqlite", "milvus":
	default:
		return fmt.Errorf("retrieval.backend must be sqlite or milvus, got %q", c.Retrieval.Backend)
	}
	if c.Retrieval.Backend == "milvus" && !c.Zilliz.Enabled {
		return fmt.Errorf("retrieval.backend milvus requires zilliz.enabled")
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 100 {
		return fmt.Errorf("embedding.batchSize must be in 1..100, got %d", c.Embedding.BatchSize)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 4194304)
	viper.SetDefault("server.rateLimit", 120)
	viper.SetDefault("server.allowedOrigins", []string{})
	viper.SetDefault("server.development", false)

	viper.SetDefault("sqlite.path", "./data/deflection.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.embeddingTTLMin", 24*60)

	viper.SetDefault("zilliz.enabled", false)
	viper.SetDefault("zilliz.endpoint", "localhost:19530")
	viper.SetDefault("zilliz.collectionName", "support_knowledge")
	viper.SetDefault("zilliz.vectorDim", 1536)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 30)

	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dim", 1536)
	viper.SetDefault("embedding.timeoutSec", 15)
	viper.SetDefault("embedding.maxChars", 8000)
	viper.SetDefault("embedding.batchSize", 100)
	viper.SetDefault("embedding.batchDelayMS", 100)
	viper.SetDefault("embedding.allowSimulated", true)

	viper.SetDefault("retrieval.backend", "sqlite")
	viper.SetDefault("retrieval.similarityThreshold", 0.8)
	viper.SetDefault("retrieval.maxResults", 5)
	viper.SetDefault("retrieval.keywordResults", 5)
	viper.SetDefault("retrieval.maxKeywords", 15)

	viper.SetDefault("deflection.autoResponseEnabled", true)
	viper.SetDefault("deflection.confidenceThreshold", 0.8)
	viper.SetDefault("deflection.escalationThreshold", 0.5)
	viper.SetDefault("deflection.responseLanguage", "en")
	viper.SetDefault("deflection.businessHoursOnly", false)
	viper.SetDefault("deflection.excludedCategories", []string{})
	viper.SetDefault("deflection.escalationKeywords", []string{"lawyer", "lawsuit", "cancel my account", "speak to a human"})

	viper.SetDefault("analytics.flatRatePerTicket", 25.0)
	viper.SetDefault("analytics.monthlyCost", 99.0)
	viper.SetDefault("analytics.rollupIntervalMin", 15)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "deflection-decisions")

	viper.SetDefault("delivery.timeoutSec", 10)

	viper.SetDefault("pipeline.workers", 8)
	viper.SetDefault("pipeline.queueSize", 256)
	viper.SetDefault("pipeline.maxAttempts", 3)
	viper.SetDefault("pipeline.initialDelayMS", 500)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
