package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session store backends.
const (
	SessionStoreFile     = "file"
	SessionStorePostgres = "postgres"
	SessionStoreMemory   = "memory"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	APIBaseURL      string        `mapstructure:"API_BASE_URL"`
	AIBaseURL       string        `mapstructure:"AI_BASE_URL"`
	SessionStore    string        `mapstructure:"SESSION_STORE"`
	SessionFile     string        `mapstructure:"SESSION_FILE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	HTTPTimeout     time.Duration `mapstructure:"HTTP_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	DefaultDocType  string        `mapstructure:"DEFAULT_DOC_TYPE"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"PORT", "ENV", "API_BASE_URL", "AI_BASE_URL", "SESSION_STORE", "SESSION_FILE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS", "HTTP_TIMEOUT",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "UPLOAD_BODY_LIMIT", "DEFAULT_DOC_TYPE", "LOG_LEVEL",
}

// Load reads the environment, with an optional .env file in the working
// directory underneath it. It does not validate.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path.
func LoadFile(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("API_BASE_URL", "http://localhost:8000/api/v1")
	v.SetDefault("AI_BASE_URL", "http://localhost:8000")
	v.SetDefault("SESSION_STORE", SessionStoreFile)
	v.SetDefault("SESSION_FILE", ".healthbot/session.json")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("HTTP_TIMEOUT", "60s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "200M")
	v.SetDefault("DEFAULT_DOC_TYPE", "lab")
	v.SetDefault("LOG_LEVEL", "info")

	// AutomaticEnv alone is not seen by Unmarshal.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(v.GetStringSlice("CORS_ORIGINS"), ","))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) UsesPostgres() bool {
	return c.SessionStore == SessionStorePostgres
}

// Validate checks the configuration is usable. DATABASE_URL is only
// required for the postgres session store.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"API_BASE_URL": c.APIBaseURL, "AI_BASE_URL": c.AIBaseURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}

	switch c.SessionStore {
	case SessionStoreFile:
		if c.SessionFile == "" {
			return fmt.Errorf("SESSION_FILE is required when SESSION_STORE is %q", SessionStoreFile)
		}
	case SessionStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE is %q", SessionStorePostgres)
		}
	case SessionStoreMemory:
	default:
		return fmt.Errorf("SESSION_STORE must be %q, %q or %q, got %q",
			SessionStoreFile, SessionStorePostgres, SessionStoreMemory, c.SessionStore)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.HTTPTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
