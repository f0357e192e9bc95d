package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"collabsync-server/internal/domain"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Sync      SyncConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	Schema    SchemaConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type DatabaseConfig struct {
	Path string
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxConnPerUser  int
}

// SessionConfig drives the session lifecycle state machine.
type SessionConfig struct {
	IdleTimeout       time.Duration
	CloseGracePeriod  time.Duration
	FingerprintWindow int
	SweepInterval     time.Duration
}

// SyncConfig drives the submission pipeline: transactional retry bounds
// and operation acceptance limits.
type SyncConfig struct {
	MaxRetryAttempts         int
	RetryBackoffBase         time.Duration
	RetryBackoffCap          time.Duration
	ManualConflictWindow     time.Duration
	MaxOperationPayloadBytes int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

type SchemaConfig struct {
	Path string
}

func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := time.ParseDuration(getEnv("JWT_EXPIRATION", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRATION: %w", err)
	}

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "collabsync.db"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:  int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 10485760)),
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
			MaxConnPerUser:  getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
		},
		Session: SessionConfig{
			IdleTimeout:       secondsEnv("IDLE_TIMEOUT_SECONDS", 300),
			CloseGracePeriod:  secondsEnv("CLOSE_GRACE_PERIOD_SECONDS", 60),
			FingerprintWindow: getEnvAsInt("FINGERPRINT_WINDOW", 64),
			SweepInterval:     secondsEnv("SWEEP_INTERVAL_SECONDS", 1),
		},
		Sync: SyncConfig{
			MaxRetryAttempts:         getEnvAsInt("MAX_RETRY_ATTEMPTS", 5),
			RetryBackoffBase:         millisEnv("RETRY_BACKOFF_BASE_MS", 10),
			RetryBackoffCap:          millisEnv("RETRY_BACKOFF_CAP_MS", 1000),
			ManualConflictWindow:     secondsEnv("MANUAL_CONFLICT_WINDOW_SECONDS", 300),
			MaxOperationPayloadBytes: getEnvAsInt("MAX_OPERATION_PAYLOAD_BYTES", 1048576),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Schema: SchemaConfig{
			Path: getEnv("SCHEMA_PATH", ""),
		},
	}, nil
}

// LoadSchema reads the resource schema file, or falls back to the
// built-in document schema when none is configured.
func (c *Config) LoadSchema() (domain.Schema, error) {
	if c.Schema.Path == "" {
		return domain.Schema{
			"document": {
				"body":  domain.FieldKindText,
				"meta":  domain.FieldKindStructured,
				"items": domain.FieldKindList,
			},
		}, nil
	}

	raw, err := os.ReadFile(c.Schema.Path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var schema domain.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for resourceType, fields := range schema {
		if len(fields) == 0 {
			return nil, fmt.Errorf("schema: resource type %q has no fields", resourceType)
		}
		for field, kind := range fields {
			switch kind {
			case domain.FieldKindText, domain.FieldKindStructured, domain.FieldKindList:
			default:
				return nil, fmt.Errorf("schema: field %s.%s has unknown kind %q", resourceType, field, kind)
			}
		}
	}
	return schema, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func secondsEnv(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}

func millisEnv(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}
