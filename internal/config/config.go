package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig `mapstructure:"log"`
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Scorer    ScorerConfig    `mapstructure:"scorer"`
	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioUseSSL   bool   `mapstructure:"minio_use_ssl"`
	OSSEndpoint   string `mapstructure:"oss_endpoint"`
	OSSAccessKey  string `mapstructure:"oss_access_key"`
	OSSSecretKey  string `mapstructure:"oss_secret_key"`
	OSSBucket     string `mapstructure:"oss_bucket"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ServiceName       string `mapstructure:"service_name"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

// ScorerConfig 外部评分服务（写作/口语 AI 评分）
type ScorerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// SessionConfig 会话引擎参数，支持热更新
type SessionConfig struct {
	Store              string        `mapstructure:"store"` // memory | redis | mysql | sqlite | postgres
	SQLDSN             string        `mapstructure:"sql_dsn"`
	AutosaveInterval   time.Duration `mapstructure:"autosave_interval"`
	TimeoutGrace       time.Duration `mapstructure:"timeout_grace"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	WarningSeconds     int           `mapstructure:"warning_seconds"`
	RecordTTL          time.Duration `mapstructure:"record_ttl"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	IdleEvictAfter     time.Duration `mapstructure:"idle_evict_after"`
	MinRecordingBytes  int64         `mapstructure:"min_recording_bytes"`
	MaxRecordingMB     int64         `mapstructure:"max_recording_mb"`
	SnapshotBufferSize int           `mapstructure:"snapshot_buffer_size"`
}

// AuthConfig 仅用于校验平台签发的令牌，本服务不签发令牌
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

// RateLimitConfig 每个答题客户端在 Window 内最多 MaxRequests 次请求
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	Burst       int           `mapstructure:"burst"`
}

type CatalogConfig struct {
	Dir          string `mapstructure:"dir"`
	ImportOnBoot bool   `mapstructure:"import_on_boot"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "uploads")

	v.SetDefault("tracing.service_name", "exam-session-engine")

	v.SetDefault("scorer.timeout", "60s")
	v.SetDefault("scorer.persist_timeout", "30s")
	v.SetDefault("scorer.rate_per_second", 5)
	v.SetDefault("scorer.burst", 10)

	v.SetDefault("session.store", "redis")
	v.SetDefault("session.autosave_interval", "10s")
	v.SetDefault("session.timeout_grace", "1500ms")
	v.SetDefault("session.tick_interval", "1s")
	v.SetDefault("session.warning_seconds", 30)
	v.SetDefault("session.record_ttl", "72h")
	v.SetDefault("session.lock_ttl", "30s")
	v.SetDefault("session.idle_evict_after", "2h")
	v.SetDefault("session.min_recording_bytes", 1024)
	v.SetDefault("session.max_recording_mb", 20)
	v.SetDefault("session.snapshot_buffer_size", 8)

	v.SetDefault("rate_limit.max_requests", 6000)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.burst", 30)
	v.SetDefault("cors.max_age", "12h")

	v.SetDefault("catalog.dir", "configs/exams")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("EXAM_ENGINE")
	v.AutomaticEnv()
	setDefaults(v)

	// Database
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")

	// Scorer
	v.BindEnv("scorer.base_url", "SCORER_BASE_URL")
	v.BindEnv("scorer.api_key", "SCORER_API_KEY")

	// Session
	v.BindEnv("session.store", "SESSION_STORE")
	v.BindEnv("session.sql_dsn", "SESSION_SQL_DSN")

	// Auth
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")
	v.BindEnv("storage.oss_endpoint", "OSS_ENDPOINT")
	v.BindEnv("storage.oss_access_key", "OSS_ACCESS_KEY")
	v.BindEnv("storage.oss_secret_key", "OSS_SECRET_KEY")
	v.BindEnv("storage.oss_bucket", "OSS_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Session.Store {
	case "memory", "redis", "mysql", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported session store %q", c.Session.Store)
	}
	if c.Session.AutosaveInterval <= 0 {
		return fmt.Errorf("session.autosave_interval must be positive")
	}
	if c.Session.TickInterval <= 0 {
		return fmt.Errorf("session.tick_interval must be positive")
	}
	if c.Scorer.Timeout <= 0 || c.Scorer.PersistTimeout <= 0 {
		return fmt.Errorf("scorer timeouts must be positive")
	}
	// 生产环境校验 JWT Secret 强度
	if c.Server.Mode == "release" && c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(c.Auth.JWTSecret))
	}
	return nil
}
