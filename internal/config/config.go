package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxFileSize = 100 * 1024 * 1024 // 100 MB
	DefaultSendBuffer  = 256
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	JWT      JWTConfig      `yaml:"jwt"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RelayConfig tunes the WebSocket relay
type RelayConfig struct {
	MaxFileSize    int64         `yaml:"max_file_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RateLimit      int           `yaml:"rate_limit"` // requests per minute per IP on HTTP routes
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	ClientID      string `yaml:"client_id"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type JWTConfig struct {
	AccessTokenSecret string `yaml:"access_token_secret"`
	Issuer            string `yaml:"issuer"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults with
// environment overrides applied.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		return cfg, nil
	}
	return cfg, err
}

// Default returns a configuration with every optional backend disabled
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Relay.MaxFileSize <= 0 {
		c.Relay.MaxFileSize = DefaultMaxFileSize
	}
	if c.Relay.SendBuffer <= 0 {
		c.Relay.SendBuffer = DefaultSendBuffer
	}
	if c.Relay.WriteWait == 0 {
		c.Relay.WriteWait = 10 * time.Second
	}
	if c.Relay.PongWait == 0 {
		c.Relay.PongWait = 60 * time.Second
	}
	if len(c.Relay.AllowedOrigins) == 0 {
		c.Relay.AllowedOrigins = []string{"*"}
	}
	if c.Relay.RateLimit == 0 {
		c.Relay.RateLimit = 120
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 2 * time.Minute
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "relay"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "attachments"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if size := os.Getenv("RELAY_MAX_FILE_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			c.Relay.MaxFileSize = n
		}
	}
	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		c.Relay.AllowedOrigins = strings.Split(origins, ",")
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.User = user
	}
	if pass := os.Getenv("DB_PASSWORD"); pass != "" {
		c.Database.Password = pass
	}
	if db := os.Getenv("DB_NAME"); db != "" {
		c.Database.Database = db
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		host, port, ok := strings.Cut(addr, ":")
		c.Redis.Host = host
		if ok {
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
		}
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		c.MinIO.Endpoint = endpoint
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		c.MinIO.AccessKey = key
	}
	if key := os.Getenv("MINIO_SECRET_KEY"); key != "" {
		c.MinIO.SecretKey = key
	}
	if secret := os.Getenv("JWT_ACCESS_SECRET"); secret != "" {
		c.JWT.AccessTokenSecret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Enabled reports whether a PostgreSQL backend is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

func (c *NATSConfig) Enabled() bool {
	return c.URL != ""
}

func (c *MinIOConfig) Enabled() bool {
	return c.Endpoint != ""
}
