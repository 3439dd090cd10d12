package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Source and sink drivers
const (
	SourceKafka    = "kafka"
	SourceRabbitMQ = "rabbitmq"

	SinkElasticsearch = "elasticsearch"
	SinkPostgres      = "postgres"
)

// Config holds all application configuration
type Config struct {
	ServiceName   string
	ServicePort   int
	SourceDriver  string
	SinkDriver    string
	PollTimeout   time.Duration
	Kafka         KafkaConfig
	RabbitMQ      RabbitMQConfig
	Elasticsearch ElasticsearchConfig
	Database      DatabaseConfig
	Sink          SinkConfig
	Batch         BatchConfig
	Enrichment    EnrichmentConfig
}

// KafkaConfig holds Kafka consumer settings
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MaxPollRecords int
	FetchMaxBytes  int
	FetchMaxWait   time.Duration
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	Queue          string
	RoutingKey     string
	RejectExchange string
	PrefetchCount  int
}

// ElasticsearchConfig holds the destination index settings
type ElasticsearchConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Index    string
	Shards   int
	Replicas int
}

// Address returns the base URL of the Elasticsearch node
func (c ElasticsearchConfig) Address() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	Table           string
	MaxConns        int
	MinConns        int
	MaxConnIdleTime time.Duration
}

// SinkConfig holds the write retry policy. MaxRetries of 0 retries forever.
type SinkConfig struct {
	RetryBackoff time.Duration
	MaxRetries   int
}

// BatchConfig holds the buffer flush policy
type BatchConfig struct {
	MinRecords int
	MaxWait    time.Duration
}

// EnrichmentConfig holds the derivation constants
type EnrichmentConfig struct {
	BinSize   int
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Location resolves the configured timezone
func (c EnrichmentConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:  getEnv("SERVICE_NAME", "climate-stream-worker"),
		ServicePort:  getEnvAsInt("SERVICE_PORT", 8081),
		SourceDriver: strings.ToLower(getEnv("SOURCE_DRIVER", SourceKafka)),
		SinkDriver:   strings.ToLower(getEnv("SINK_DRIVER", SinkElasticsearch)),
		PollTimeout:  getEnvAsDuration("POLL_TIMEOUT", time.Second),
		Kafka: KafkaConfig{
			Brokers:        getEnvAsList("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
			Topic:          getEnv("KAFKA_TOPIC", "stream_input"),
			GroupID:        getEnv("KAFKA_GROUP_ID", "climate-stream-worker"),
			MaxPollRecords: getEnvAsInt("KAFKA_MAX_POLL_RECORDS", 30000),
			FetchMaxBytes:  getEnvAsInt("KAFKA_FETCH_MAX_BYTES", 52428800),
			FetchMaxWait:   getEnvAsDuration("KAFKA_FETCH_MAX_WAIT", time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL:            getEnv("RABBITMQ_URL", ""),
			Exchange:       getEnv("RABBITMQ_EXCHANGE", "climate.readings.exchange"),
			Queue:          getEnv("RABBITMQ_QUEUE", "climate.readings.queue"),
			RoutingKey:     getEnv("RABBITMQ_ROUTING_KEY", "reading.raw"),
			RejectExchange: getEnv("RABBITMQ_REJECT_EXCHANGE", ""),
			PrefetchCount:  getEnvAsInt("RABBITMQ_PREFETCH_COUNT", 1000),
		},
		Elasticsearch: ElasticsearchConfig{
			Host:     getEnv("ELASTICSEARCH_HOST", "127.0.0.1"),
			Port:     getEnvAsInt("ELASTICSEARCH_PORT", 9200),
			User:     getEnv("ELASTICSEARCH_USER", "elastic"),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "metter_input"),
			Shards:   getEnvAsInt("ELASTICSEARCH_SHARDS", 5),
			Replicas: getEnvAsInt("ELASTICSEARCH_REPLICAS", 1),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Table:           getEnv("DATABASE_TABLE", "enriched_readings"),
			MaxConns:        getEnvAsInt("DATABASE_MAX_CONNS", 2),
			MinConns:        getEnvAsInt("DATABASE_MIN_CONNS", 1),
			MaxConnIdleTime: getEnvAsDuration("DATABASE_MAX_CONN_IDLE_TIME", 5*time.Minute),
		},
		Sink: SinkConfig{
			RetryBackoff: getEnvAsDuration("SINK_RETRY_BACKOFF", 2*time.Second),
			MaxRetries:   getEnvAsInt("SINK_MAX_RETRIES", 0),
		},
		Batch: BatchConfig{
			MinRecords: getEnvAsInt("BATCH_MIN_RECORDS", 1),
			MaxWait:    getEnvAsDuration("BATCH_MAX_WAIT", 0),
		},
		Enrichment: EnrichmentConfig{
			BinSize:   getEnvAsInt("TEMP_BIN_SIZE", 1),
			Latitude:  getEnvAsFloat("LOCATION_LATITUDE", 37.5079),
			Longitude: getEnvAsFloat("LOCATION_LONGITUDE", 15.0830),
			Timezone:  getEnv("LOCATION_TIMEZONE", "Europe/Rome"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SourceDriver {
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when SOURCE_DRIVER=%s", SourceKafka)
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when SOURCE_DRIVER=%s", SourceKafka)
		}
	case SourceRabbitMQ:
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when SOURCE_DRIVER=%s", SourceRabbitMQ)
		}
		if c.RabbitMQ.PrefetchCount <= 0 {
			return fmt.Errorf("RABBITMQ_PREFETCH_COUNT must be positive")
		}
		// Unacknowledged deliveries are capped by the prefetch count, so a
		// larger flush threshold could never be reached.
		if c.Batch.MinRecords > c.RabbitMQ.PrefetchCount {
			return fmt.Errorf("BATCH_MIN_RECORDS (%d) cannot exceed RABBITMQ_PREFETCH_COUNT (%d)", c.Batch.MinRecords, c.RabbitMQ.PrefetchCount)
		}
	default:
		return fmt.Errorf("unsupported SOURCE_DRIVER %q", c.SourceDriver)
	}

	if c.RabbitMQ.RejectExchange != "" && c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required when RABBITMQ_REJECT_EXCHANGE is set")
	}

	switch c.SinkDriver {
	case SinkElasticsearch:
		if c.Elasticsearch.Index == "" {
			return fmt.Errorf("ELASTICSEARCH_INDEX is required when SINK_DRIVER=%s", SinkElasticsearch)
		}
	case SinkPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when SINK_DRIVER=%s", SinkPostgres)
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("DATABASE_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("DATABASE_MIN_CONNS must be between 0 and DATABASE_MAX_CONNS (%d)", c.Database.MaxConns)
		}
	default:
		return fmt.Errorf("unsupported SINK_DRIVER %q", c.SinkDriver)
	}

	if c.Enrichment.BinSize <= 0 {
		return fmt.Errorf("TEMP_BIN_SIZE must be positive, got %d", c.Enrichment.BinSize)
	}
	if _, err := c.Enrichment.Location(); err != nil {
		return fmt.Errorf("LOCATION_TIMEZONE %q is invalid: %w", c.Enrichment.Timezone, err)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive")
	}
	if c.Kafka.MaxPollRecords <= 0 {
		return fmt.Errorf("KAFKA_MAX_POLL_RECORDS must be positive")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("KAFKA_FETCH_MAX_BYTES must be positive")
	}
	if c.Sink.RetryBackoff <= 0 {
		return fmt.Errorf("SINK_RETRY_BACKOFF must be positive, got %s", c.Sink.RetryBackoff)
	}
	if c.Sink.MaxRetries < 0 {
		return fmt.Errorf("SINK_MAX_RETRIES cannot be negative")
	}
	if c.Batch.MinRecords < 1 {
		c.Batch.MinRecords = 1
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("1500ms") or bare milliseconds ("1500")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
