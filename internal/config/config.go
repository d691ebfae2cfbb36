package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Storage    Storage    `mapstructure:"storage"`
	Queue      Queue      `mapstructure:"queue"`
	Worker     Worker     `mapstructure:"worker"`
	Upload     Upload     `mapstructure:"upload"`
	Thumbnails Thumbnails `mapstructure:"thumbnails"`
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

// Storage holds configuration for the file storage backend.
type Storage struct {
	Backend string `mapstructure:"backend"` // "local" or "minio"

	Local LocalStorage `mapstructure:"local"`
	Minio MinioStorage `mapstructure:"minio"`
}

// LocalStorage holds configuration for the local-disk backend.
type LocalStorage struct {
	BaseDir string `mapstructure:"base_dir"`
}

// MinioStorage holds configuration for the S3-compatible backend.
type MinioStorage struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// Queue holds configuration for the task queue.
type Queue struct {
	Backend            string        `mapstructure:"backend"`             // "postgres", "kafka" or "memory"
	RedeliveryDeadline time.Duration `mapstructure:"redelivery_deadline"` // how long a pulled message stays leased
	Kafka              Kafka         `mapstructure:"kafka"`
}

// Kafka holds configuration for the Kafka queue backend.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Worker holds configuration for the worker pool.
type Worker struct {
	Count     int           `mapstructure:"count"`      // number of concurrent workers
	BatchSize int           `mapstructure:"batch_size"` // max messages per pull
	PullWait  time.Duration `mapstructure:"pull_wait"`  // bounded wait of one pull
	IdleSleep time.Duration `mapstructure:"idle_sleep"` // sleep after an empty pull
}

// Upload holds validation limits for the upload endpoint.
type Upload struct {
	MaxSizeMB         int      `mapstructure:"max_size_mb"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// Thumbnails holds the configured thumbnail size set.
type Thumbnails struct {
	// Sizes is an ordered mapping in the form
	// "small:150x150,medium:400x400,large:800x800".
	Sizes string `mapstructure:"sizes"`
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// SizeSpec is one named thumbnail size with its bounding box.
// Output dimensions may be smaller: generation preserves aspect ratio.
type SizeSpec struct {
	Name      string
	MaxWidth  int
	MaxHeight int
}

// ParseSizes parses the configured size string into an ordered slice.
// Order matters: workers generate sizes in configured order.
func (t Thumbnails) ParseSizes() ([]SizeSpec, error) {
	if strings.TrimSpace(t.Sizes) == "" {
		return nil, fmt.Errorf("thumbnail sizes are not configured")
	}

	var specs []SizeSpec

	for _, entry := range strings.Split(t.Sizes, ",") {
		name, dims, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, fmt.Errorf("invalid size entry %q: expected name:WxH", entry)
		}

		w, h, ok := strings.Cut(dims, "x")
		if !ok {
			return nil, fmt.Errorf("invalid size entry %q: expected name:WxH", entry)
		}

		width, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid width in %q: %w", entry, err)
		}

		height, err := strconv.Atoi(h)
		if err != nil {
			return nil, fmt.Errorf("invalid height in %q: %w", entry, err)
		}

		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("invalid size entry %q: dimensions must be positive", entry)
		}

		specs = append(specs, SizeSpec{
			Name:      strings.TrimSpace(name),
			MaxWidth:  width,
			MaxHeight: height,
		})
	}

	return specs, nil
}

// MustParseSizes is ParseSizes that panics on error. Intended for use
// at process start alongside MustLoad.
func (t Thumbnails) MustParseSizes() []SizeSpec {
	specs, err := t.ParseSizes()
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to parse thumbnail sizes")
	}

	return specs
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
		"database.master.host":     "DB_HOST",
		"database.master.port":     "DB_PORT",
		"database.master.user":     "DB_USER",
		"database.master.pass":     "DB_PASSWORD",
		"database.master.name":     "DB_NAME",
		"storage.minio.access_key": "MINIO_ACCESS_KEY",
		"storage.minio.secret_key": "MINIO_SECRET_KEY",
		"thumbnails.sizes":         "THUMBNAIL_SIZES",
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
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
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
