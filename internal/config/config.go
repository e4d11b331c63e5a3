package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "COUPLESYNC_"

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	AWS      AWSConfig      `yaml:"aws"`
	APNS     APNSConfig     `yaml:"apns"`
	JWT      JWTConfig      `yaml:"jwt"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds the connection used for the store and token revocation
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StoreConfig selects the realtime store backend: "redis" or "memory"
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// AWSConfig holds S3 configuration
type AWSConfig struct {
	Region     string `yaml:"region"`
	S3Bucket   string `yaml:"s3_bucket"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Endpoint   string `yaml:"endpoint"`
	PublicBase string `yaml:"public_base"`
}

// APNSConfig holds push notification settings. Pushes are off without a key file.
type APNSConfig struct {
	KeyFile    string `yaml:"key_file"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	Topic      string `yaml:"topic"`
	Production bool   `yaml:"production"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// SyncConfig tunes the sync components
type SyncConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	LiveThrottle   time.Duration `yaml:"live_throttle"`
	LiveEvery      int           `yaml:"live_every"`
	TypingTimeout  time.Duration `yaml:"typing_timeout"`
	Retention      time.Duration `yaml:"retention"`
	SweepCron      string        `yaml:"sweep_cron"`
	ListenerBudget int           `yaml:"listener_budget"`
	PageSize       int           `yaml:"page_size"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file. Variables from a .env file in the
// working directory and COUPLESYNC_* environment variables override it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.Store.Backend != "redis" && cfg.Store.Backend != "memory" {
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 10 << 20
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "couplesync:"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"SERVER_HOST":     &c.Server.Host,
		"DB_HOST":         &c.Database.Host,
		"DB_USER":         &c.Database.User,
		"DB_PASSWORD":     &c.Database.Password,
		"DB_NAME":         &c.Database.DBName,
		"REDIS_ADDR":      &c.Redis.Addr,
		"REDIS_PASSWORD":  &c.Redis.Password,
		"STORE_BACKEND":   &c.Store.Backend,
		"AWS_REGION":      &c.AWS.Region,
		"AWS_BUCKET":      &c.AWS.S3Bucket,
		"AWS_ACCESS_KEY":  &c.AWS.AccessKey,
		"AWS_SECRET_KEY":  &c.AWS.SecretKey,
		"AWS_ENDPOINT":    &c.AWS.Endpoint,
		"APNS_KEY_FILE":   &c.APNS.KeyFile,
		"JWT_SECRET":      &c.JWT.Secret,
		"LOG_LEVEL":       &c.Log.Level,
		"SYNC_SWEEP_CRON": &c.Sync.SweepCron,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SERVER_PORT": &c.Server.Port,
		"DB_PORT":     &c.Database.Port,
		"REDIS_DB":    &c.Redis.DB,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(envPrefix + "SYNC_RETENTION"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSYNC_RETENTION: %w", envPrefix, err)
		}
		c.Sync.Retention = d
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
