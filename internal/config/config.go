// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"AA_HOST" yaml:"host"`
	Port int    `envconfig:"AA_PORT" yaml:"port"`

	// Entity broker configuration
	Broker BrokerConfig `yaml:"broker"`

	// Blob store configuration
	Blob BlobConfig `yaml:"blob"`

	// Similarity service configuration
	SimCore SimCoreConfig `yaml:"simcore"`

	// Matching configuration
	Matching MatchingConfig `yaml:"matching"`

	// Boundary layers
	Geo GeoConfig `yaml:"geo"`

	// Map rendering
	Map MapConfig `yaml:"map"`

	// Report generation
	Report ReportConfig `yaml:"report"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`
}

// BrokerConfig holds entity broker settings.
type BrokerConfig struct {
	Type        string `envconfig:"AA_BROKER_TYPE" yaml:"type"`
	URL         string `envconfig:"AA_BROKER_URL" yaml:"url"`
	PublicURL   string `envconfig:"AA_BROKER_PUBLIC_URL" yaml:"public_url"`
	PostgresDSN string `envconfig:"AA_BROKER_POSTGRES_DSN" yaml:"postgres_dsn"`
	Context     string `envconfig:"AA_BROKER_CONTEXT" yaml:"context"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	Type          string        `envconfig:"AA_BLOB_TYPE" yaml:"type"`
	Dir           string        `envconfig:"AA_BLOB_DIR" yaml:"dir"`
	FileServerURL string        `envconfig:"AA_FILESERVER_URL" yaml:"fileserver_url"`
	PublicURL     string        `envconfig:"AA_FILESERVER_PUBLIC_URL" yaml:"public_url"`
	RedisURL      string        `envconfig:"AA_BLOB_REDIS_URL" yaml:"redis_url"`
	KeyPrefix     string        `envconfig:"AA_BLOB_KEY_PREFIX" yaml:"key_prefix"`
	TTL           time.Duration `envconfig:"AA_BLOB_TTL" yaml:"ttl"` // 0 = no expiry
}

// SimCoreConfig holds similarity service settings.
type SimCoreConfig struct {
	URL          string        `envconfig:"AA_SIMCORE_URL" yaml:"url"`
	PollInterval time.Duration `envconfig:"AA_SIMCORE_POLL_INTERVAL" yaml:"poll_interval"`
	Timeout      time.Duration `envconfig:"AA_SIMCORE_TIMEOUT" yaml:"timeout"`
}

// MatchingConfig holds aggregation settings.
type MatchingConfig struct {
	Threshold float64 `envconfig:"AA_MATCHING_THRESHOLD" yaml:"threshold"`
}

// GeoConfig holds boundary layer settings.
type GeoConfig struct {
	FinePath        string `envconfig:"AA_GEO_FINE_PATH" yaml:"fine_path"`
	CoarsePath      string `envconfig:"AA_GEO_COARSE_PATH" yaml:"coarse_path"`
	FineIDField     string `envconfig:"AA_GEO_FINE_ID_FIELD" yaml:"fine_id_field"`
	FineNameField   string `envconfig:"AA_GEO_FINE_NAME_FIELD" yaml:"fine_name_field"`
	StateCodeField  string `envconfig:"AA_GEO_STATE_CODE_FIELD" yaml:"state_code_field"`
	CoarseNameField string `envconfig:"AA_GEO_COARSE_NAME_FIELD" yaml:"coarse_name_field"`
	SentinelID      string `envconfig:"AA_GEO_SENTINEL_ID" yaml:"sentinel_id"`
}

// MapConfig holds map rendering settings.
type MapConfig struct {
	Title         string        `envconfig:"AA_MAP_TITLE" yaml:"title"`
	Caption       string        `envconfig:"AA_MAP_CAPTION" yaml:"caption"`
	OutputDir     string        `envconfig:"AA_MAP_OUTPUT_DIR" yaml:"output_dir"`
	BackupDir     string        `envconfig:"AA_MAP_BACKUP_DIR" yaml:"backup_dir"`
	ReportBaseURL string        `envconfig:"AA_MAP_REPORT_BASE_URL" yaml:"report_base_url"`
	Workers       int           `envconfig:"AA_MAP_WORKERS" yaml:"workers"`
	Interval      time.Duration `envconfig:"AA_MAP_INTERVAL" yaml:"interval"`
}

// ReportConfig holds workbook output settings.
type ReportConfig struct {
	OutputDir string `envconfig:"AA_REPORT_OUTPUT_DIR" yaml:"output_dir"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"AA_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"AA_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"AA_KAFKA_GROUP" yaml:"kafka_group"`

	// KafkaTopicPrefix lets several deployments share one cluster.
	KafkaTopicPrefix string `envconfig:"AA_KAFKA_TOPIC_PREFIX" yaml:"kafka_topic_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"AA_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"AA_LOG_FORMAT" yaml:"format"`
	File   string `envconfig:"AA_LOG_FILE" yaml:"file"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled     bool   `envconfig:"AA_METRICS_ENABLED" yaml:"enabled"`
	Path        string `envconfig:"AA_METRICS_PATH" yaml:"path"`
	Persistence string `envconfig:"AA_METRICS_PERSISTENCE" yaml:"persistence"`
	RedisURL    string `envconfig:"AA_METRICS_REDIS_URL" yaml:"redis_url"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit int `envconfig:"AA_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults(cfg)

	// YAML overrides defaults
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Environment has the highest priority
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Broker = BrokerConfig{
		Type:    "memory",
		URL:     "http://localhost:9090",
		Context: "https://smartdatamodels.org/context.jsonld",
	}

	cfg.Blob = BlobConfig{
		Type:      "dir",
		Dir:       "./data/files",
		KeyPrefix: "aa:blob:",
	}

	cfg.SimCore = SimCoreConfig{
		URL:          "http://localhost:8000",
		PollInterval: 180 * time.Second,
	}

	cfg.Matching = MatchingConfig{
		Threshold: 0.3,
	}

	cfg.Geo = GeoConfig{
		FinePath:        "./data/geo/kreise.geojson",
		CoarsePath:      "./data/geo/laender.geojson",
		FineIDField:     "DEBKG_ID",
		FineNameField:   "GEN",
		StateCodeField:  "SN_L",
		CoarseNameField: "GEN",
		SentinelID:      "DEBKGDL20000E1G3",
	}

	cfg.Map = MapConfig{
		Title:     "Agenda Analytics",
		Caption:   "Agenda Matching Score (%)",
		OutputDir: "./data/maps",
		BackupDir: "./data/maps/backup",
		Workers:   4,
		Interval:  6 * time.Hour,
	}

	cfg.Report = ReportConfig{
		OutputDir: "./data/reports",
	}

	cfg.Bus = BusConfig{
		Type: "memory",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Metrics = MetricsConfig{
		Enabled:     true,
		Path:        "/metrics",
		Persistence: "memory",
	}

	cfg.Security = SecurityConfig{
		RateLimit: 0,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	validBrokers := map[string]bool{"memory": true, "postgres": true, "ngsi": true}
	if !validBrokers[c.Broker.Type] {
		errs = append(errs, fmt.Sprintf("invalid broker type: %s (must be memory, postgres, or ngsi)", c.Broker.Type))
	}
	if c.Broker.Type == "postgres" && c.Broker.PostgresDSN == "" {
		errs = append(errs, "broker.postgres_dsn is required for the postgres broker")
	}
	if c.Broker.Type == "ngsi" && c.Broker.URL == "" {
		errs = append(errs, "broker.url is required for the ngsi broker")
	}

	validBlobs := map[string]bool{"memory": true, "dir": true, "redis": true, "fileserver": true}
	if !validBlobs[c.Blob.Type] {
		errs = append(errs, fmt.Sprintf("invalid blob type: %s (must be memory, dir, redis, or fileserver)", c.Blob.Type))
	}
	if c.Blob.Type == "fileserver" && c.Blob.FileServerURL == "" {
		errs = append(errs, "blob.fileserver_url is required for the fileserver blob store")
	}
	if c.Blob.Type == "redis" && c.Blob.RedisURL == "" {
		errs = append(errs, "blob.redis_url is required for the redis blob store")
	}

	if c.SimCore.PollInterval <= 0 {
		errs = append(errs, "simcore.poll_interval must be positive")
	}

	if c.Matching.Threshold < 0 || c.Matching.Threshold > 1 {
		errs = append(errs, "matching.threshold must be between 0 and 1")
	}

	if c.Map.Workers < 1 {
		errs = append(errs, "map.workers must be positive")
	}

	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	validPersistence := map[string]bool{"memory": true, "redis": true}
	if !validPersistence[c.Metrics.Persistence] {
		errs = append(errs, fmt.Sprintf("invalid metrics persistence: %s (must be memory or redis)", c.Metrics.Persistence))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
