package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Storage    Storage    `mapstructure:"storage"`
	Redis      Redis      `mapstructure:"redis"`
	CDN        CDN        `mapstructure:"cdn"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Upload     Upload     `mapstructure:"upload"`
	Processing Processing `mapstructure:"processing"`
	Worker     Worker     `mapstructure:"worker"`
	Retry      Retry      `mapstructure:"retry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the blob storage backend.
type Storage struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	PublicBucket  string `mapstructure:"public_bucket"`
	PrivateBucket string `mapstructure:"private_bucket"`
	UseSSL        bool   `mapstructure:"use_ssl"`
}

// Redis holds configuration for the cache backend.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CDN holds configuration for CDN URL building and signing.
type CDN struct {
	Domain       string        `mapstructure:"domain"`
	Secret       string        `mapstructure:"secret"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Upload holds configuration for multipart upload sessions.
type Upload struct {
	MaxChunkSize int64         `mapstructure:"max_chunk_size"` // upper clamp for computed chunk size
	MaxFileSize  int64         `mapstructure:"max_file_size"`  // largest accepted upload
	PresignTTL   time.Duration `mapstructure:"presign_ttl"`    // lifetime of part upload URLs
	SessionTTL   time.Duration `mapstructure:"session_ttl"`    // active sessions older than this are expired
	CleanupEvery time.Duration `mapstructure:"cleanup_every"`  // interval of the expiry sweep
}

// Processing holds configuration for the image transform engine and the
// processing orchestrator.
type Processing struct {
	DefaultQuality   int           `mapstructure:"default_quality"`
	MaxWidth         int           `mapstructure:"max_width"`
	MaxHeight        int           `mapstructure:"max_height"`
	MaxDownloadBytes int64         `mapstructure:"max_download_bytes"`
	FontPath         string        `mapstructure:"font_path"`
	ReconcileAge     time.Duration `mapstructure:"reconcile_age"`   // pending files older than this are re-enqueued
	ReconcileEvery   time.Duration `mapstructure:"reconcile_every"` // interval of the reconciliation sweep
}

// Worker holds configuration for the job queue worker pool.
type Worker struct {
	Concurrency int `mapstructure:"concurrency"`
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// mustBindEnv binds critical environment variables to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv() {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",
		"storage.access_key":   "STORAGE_ACCESS_KEY",
		"storage.secret_key":   "STORAGE_SECRET_KEY",
		"redis.password":       "REDIS_PASSWORD",
		"cdn.secret":           "CDN_SECRET",
	}

	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Msgf("failed to bind env %s", env)
		}
	}
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to read config")
	}

	mustBindEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msgf("failed to unmarshal config: %v", err)
	}

	return &cfg
}
