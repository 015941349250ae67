package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string

	Postgres PostgresConfig
	Kafka    KafkaConfig
	Privacy  PrivacyConfig
	Abuse    AbuseConfig
	Rollup   RollupConfig
}

type PostgresConfig struct {
	Host            string
	Port            string
	Database        string
	Username        string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SSLMode         string
}

type KafkaConfig struct {
	Brokers          []string
	IntakeTopic      string
	AuditTopic       string
	GroupID          string
	ProducerRetries  int
	ProducerTimeout  time.Duration
	RequiredAcks     int
	CompressionType  string
	MaxMessageBytes  int
	IdempotentWrites bool
}

// PrivacyConfig holds the per-category salts for identity hashing. The two
// salts must differ so IP and user-agent hash spaces cannot be correlated.
type PrivacyConfig struct {
	IPSalt string
	UASalt string
}

// AbuseConfig tunes the in-memory anti-abuse stores. Everything here is a
// knob, never a computed value.
type AbuseConfig struct {
	EventsRateWindow time.Duration
	EventsRateLimit  int
	RateStrategy     string

	ViewDedupeWindow         time.Duration
	BurstWindow              time.Duration
	MaxIdenticalEventsPerMin int
	SweepInterval            time.Duration
	StaleAfter               time.Duration
	AnomalyWarnThreshold     float64
}

type RollupConfig struct {
	DaysBack             int
	DecayLambda          float64
	CapViewCountPerIP    int
	MaxEventsPerIPPerMin int
	GlobalBoardSize      int
	ScopedBoardSize      int
	AllSnapshotWeekday   time.Weekday
	Schedule             time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	cfg.Postgres = PostgresConfig{
		Host:            getEnv("POSTGRES_HOST", "localhost"),
		Port:            getEnv("POSTGRES_PORT", "5432"),
		Database:        getEnv("POSTGRES_DB", "ruleboard"),
		Username:        getEnv("POSTGRES_USER", "admin"),
		Password:        getEnv("POSTGRES_PASSWORD", "password"),
		MaxOpenConns:    getEnvAsInt("POSTGRES_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("POSTGRES_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("POSTGRES_CONN_MAX_LIFETIME", 5*time.Minute),
		SSLMode:         getEnv("POSTGRES_SSL_MODE", "disable"),
	}

	brokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	cfg.Kafka = KafkaConfig{
		Brokers:          strings.Split(brokers, ","),
		IntakeTopic:      getEnv("KAFKA_TOPIC_INTAKE", "rule-events"),
		AuditTopic:       getEnv("KAFKA_TOPIC_AUDIT", "rule-events-audit"),
		GroupID:          getEnv("KAFKA_GROUP_ID", "rule-events-ingest"),
		ProducerRetries:  getEnvAsInt("KAFKA_PRODUCER_RETRIES", 3),
		ProducerTimeout:  getEnvAsDuration("KAFKA_PRODUCER_TIMEOUT", 10*time.Second),
		RequiredAcks:     getEnvAsInt("KAFKA_REQUIRED_ACKS", -1),
		CompressionType:  getEnv("KAFKA_COMPRESSION", "snappy"),
		IdempotentWrites: getEnvAsBool("KAFKA_IDEMPOTENT", true),
		MaxMessageBytes:  getEnvAsInt("KAFKA_MAX_MESSAGE_BYTES", 1000000),
	}

	cfg.Privacy = PrivacyConfig{
		IPSalt: getEnv("IP_HASH_SALT", "dev-ip-salt"),
		UASalt: getEnv("UA_HASH_SALT", "dev-ua-salt"),
	}

	cfg.Abuse = AbuseConfig{
		EventsRateWindow:         getEnvAsDuration("EVENTS_RATE_WINDOW", time.Minute),
		EventsRateLimit:          getEnvAsInt("EVENTS_RATE_LIMIT", 300),
		RateStrategy:             getEnv("RATE_LIMIT_STRATEGY", "sliding"),
		ViewDedupeWindow:         getEnvAsDuration("VIEW_DEDUPE_WINDOW", 10*time.Minute),
		BurstWindow:              getEnvAsDuration("BURST_WINDOW", time.Minute),
		MaxIdenticalEventsPerMin: getEnvAsInt("MAX_IDENTICAL_EVENTS_PER_MIN", 30),
		SweepInterval:            getEnvAsDuration("ABUSE_SWEEP_INTERVAL", time.Minute),
		StaleAfter:               getEnvAsDuration("ABUSE_STALE_AFTER", 24*time.Hour),
		AnomalyWarnThreshold:     getEnvAsFloat("ANOMALY_WARN_THRESHOLD", 0.8),
	}

	cfg.Rollup = RollupConfig{
		DaysBack:             getEnvAsInt("ROLLUP_DAYS_BACK", 7),
		DecayLambda:          getEnvAsFloat("ROLLUP_DECAY_LAMBDA", 0.25),
		CapViewCountPerIP:    getEnvAsInt("ROLLUP_CAP_VIEWS_PER_IP", 10),
		MaxEventsPerIPPerMin: getEnvAsInt("ROLLUP_MAX_EVENTS_PER_IP_PER_MIN", 60),
		GlobalBoardSize:      getEnvAsInt("LEADERBOARD_GLOBAL_SIZE", 100),
		ScopedBoardSize:      getEnvAsInt("LEADERBOARD_SCOPED_SIZE", 50),
		AllSnapshotWeekday:   time.Weekday(getEnvAsInt("LEADERBOARD_ALL_WEEKDAY", int(time.Monday))),
		Schedule:             getEnvAsDuration("ROLLUP_SCHEDULE", 24*time.Hour),
	}

	return cfg, nil
}

func (c *PostgresConfig) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
