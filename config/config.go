package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ledger service
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Memory  MemoryConfig  `mapstructure:"memory"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Environment string `mapstructure:"environment"` // production suppresses diagnostic detail in error bodies
	LogLevel    string `mapstructure:"log_level"`
	Debug       bool   `mapstructure:"debug"`
}

// Production reports whether the deployment environment is production-labeled.
func (g GeneralConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(g.Environment), "production")
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings used when no secret
// store is configured, plus migration extras.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	SeedFile string `mapstructure:"seed_file"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains the optional subscriber-registry store settings.
// When host is empty the timeline registry acknowledges without persisting.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is provided")
	}
	return nil
}

// SecretsConfig selects where database credentials come from.
type SecretsConfig struct {
	Source   string        `mapstructure:"source"`    // env | file; empty falls back to storage.postgres
	SecretID string        `mapstructure:"secret_id"` // env var name or file path holding the credential JSON
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

func (s SecretsConfig) Validate() error {
	switch strings.TrimSpace(s.Source) {
	case "", "env", "file":
	default:
		return fmt.Errorf("secrets.source must be one of env, file (got %q)", s.Source)
	}
	if strings.TrimSpace(s.Source) != "" && strings.TrimSpace(s.SecretID) == "" {
		return fmt.Errorf("secrets.secret_id required when secrets.source is set")
	}
	return nil
}

// MemoryConfig controls memory-entry TTL defaults.
type MemoryConfig struct {
	SessionTTLHours    int `mapstructure:"session_ttl_hours"`
	PersistentTTLHours int `mapstructure:"persistent_ttl_hours"`
}

func (m MemoryConfig) Validate() error {
	if m.SessionTTLHours <= 0 {
		return fmt.Errorf("memory.session_ttl_hours must be > 0")
	}
	if m.PersistentTTLHours <= 0 {
		return fmt.Errorf("memory.persistent_ttl_hours must be > 0")
	}
	return nil
}

// LoadConfig loads config from file, environment (LOGLINE_*) and defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.environment", "development")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("secrets.cache_ttl", 900*time.Second)
	v.SetDefault("memory.session_ttl_hours", 24)
	v.SetDefault("memory.persistent_ttl_hours", 168)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("LOGLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no config file: env + defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Secrets.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Memory.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Secrets.Source) == "" {
		if err := cfg.Storage.Postgres.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
