package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the job store backend.
// Driver is "postgres" or "sqlite"; sqlite uses Path, postgres uses either URL or the discrete fields.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogSQL          bool          `mapstructure:"log_sql"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		if d.URL != "" {
			return d.URL
		}
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.DBName, sslMode)
	}
	return d.Path
}

// RedisConfig enables cross-instance event fan-out.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// TrackerConfig tunes the coordinator throttle and the subscription registry.
type TrackerConfig struct {
	PersistEvery       int           `mapstructure:"persist_every"`
	MaxSubscribers     int           `mapstructure:"max_subscribers"`
	ConnectionLifetime time.Duration `mapstructure:"connection_lifetime"`
	EventBuffer        int           `mapstructure:"event_buffer"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
}

type ReaperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Retention  time.Duration `mapstructure:"retention"`
}

// ArchiveConfig points the retention sweep at S3-compatible storage.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	BatchSize int    `mapstructure:"batch_size"`
}

type WebhookConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type AuthConfig struct {
	JWTSecret string   `mapstructure:"jwt_secret"`
	DevHeader string   `mapstructure:"dev_header"`
	AdminIDs  []string `mapstructure:"admin_ids"`
}

// IsAdmin reports whether id is listed in auth.admin_ids.
func (a AuthConfig) IsAdmin(id string) bool {
	for _, admin := range a.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/jobpulse.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_sql", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "jobpulse:events")

	v.SetDefault("tracker.persist_every", 5)
	v.SetDefault("tracker.max_subscribers", 10)
	v.SetDefault("tracker.connection_lifetime", 30*time.Minute)
	v.SetDefault("tracker.event_buffer", 64)
	v.SetDefault("tracker.heartbeat_interval", 15*time.Second)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 5m")
	v.SetDefault("reaper.stale_after", 30*time.Minute)
	v.SetDefault("reaper.retention", 30*24*time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "localhost:9000")
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("archive.bucket", "jobpulse-archive")
	v.SetDefault("archive.prefix", "jobs")
	v.SetDefault("archive.batch_size", 500)

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("webhook.retry_count", 3)

	v.SetDefault("auth.dev_header", "X-User-ID")
	v.SetDefault("auth.admin_ids", []string{})
}

// Load reads configuration from file, .env and environment.
// Parameters:
//   - configPath: explicit config file; empty searches ./configs and the working directory.
// Returns:
//   - *Config: populated configuration.
//   - error: non-nil if the file exists but cannot be parsed.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment endpoints come from well-known env names
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	_ = v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the tracker cannot run with.
func (c *Config) Validate() error {
	if c.Tracker.PersistEvery < 1 {
		return fmt.Errorf("tracker.persist_every must be >= 1, got %d", c.Tracker.PersistEvery)
	}
	if c.Tracker.MaxSubscribers < 1 {
		return fmt.Errorf("tracker.max_subscribers must be >= 1, got %d", c.Tracker.MaxSubscribers)
	}
	if c.Tracker.ConnectionLifetime <= 0 {
		return fmt.Errorf("tracker.connection_lifetime must be positive")
	}
	if c.Reaper.Enabled && c.Reaper.StaleAfter <= 0 {
		return fmt.Errorf("reaper.stale_after must be positive")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	return nil
}
