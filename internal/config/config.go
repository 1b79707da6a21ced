// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `validate:"required"`
	MetricsAddr string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Record store
	DatabaseDriver string `validate:"oneof=postgres sqlite3"`
	DatabaseURL    string `validate:"required"`

	// Identity
	JWTSecret      string
	OIDCIssuerURL  string `validate:"omitempty,url"`
	OIDCClientID   string `validate:"required_with=OIDCIssuerURL"`
	OIDCAdminClaim string
	OIDCAdminValue string

	// Remote host
	Remote RemoteConfig

	// Storage areas
	UploadsRoot     string `validate:"required,startswith=/"`
	AdminRoot       string `validate:"required,startswith=/"`
	PublicURLPrefix string `validate:"omitempty,url"`

	// Search guards
	SearchMaxDepth int `validate:"gte=1"`
	SearchWorkers  int `validate:"gte=1"`

	// Share links
	ShareBaseURL  string        `validate:"omitempty,url"`
	SweepInterval time.Duration `validate:"gte=0"`
	BcryptCost    int           `validate:"gte=4,lte=31"`

	// Upload categories for the general uploads area
	// MaxActiveSubmissions caps each user's outstanding uploads (0 = unlimited).
	MaxActiveSubmissions int `validate:"gte=0"`
	UploadPolicyFile     string
	Categories           map[string]Category `validate:"dive"`
}

// RemoteConfig holds SFTP connection settings.
type RemoteConfig struct {
	Host              string        `validate:"required"`
	Port              int           `validate:"gte=1,lte=65535"`
	User              string        `validate:"required"`
	Password          string        `validate:"required_without=KeyFile"`
	KeyFile           string        `validate:"required_without=Password"`
	KnownHostsFile    string
	ConnectTimeout    time.Duration `validate:"gt=0"`
	RetryAttempts     int           `validate:"gte=1"`
	RetryFactor       float64       `validate:"gte=1"`
	RetryMinDelay     time.Duration `validate:"gte=0"`
	RetryMaxDelay     time.Duration `validate:"gte=0"`
	KeepAliveInterval time.Duration `validate:"gte=0"`
}

// Addr returns host:port.
func (r RemoteConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

var validate = validator.New()

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		LogLevel:       strings.ToLower(envOr("LOG_LEVEL", "info")),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    envOr("DATABASE_URL", ""),
		JWTSecret:      envOr("JWT_SECRET", ""),
		OIDCIssuerURL:  envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:   envOr("OIDC_CLIENT_ID", ""),
		OIDCAdminClaim: envOr("OIDC_ADMIN_CLAIM", "is_admin"),
		OIDCAdminValue: envOr("OIDC_ADMIN_VALUE", "true"),
		Remote: RemoteConfig{
			Host:              envOr("SFTP_HOST", ""),
			Port:              envInt("SFTP_PORT", 22),
			User:              envOr("SFTP_USER", ""),
			Password:          envOr("SFTP_PASSWORD", ""),
			KeyFile:           envOr("SFTP_KEY_FILE", ""),
			KnownHostsFile:    envOr("SFTP_KNOWN_HOSTS", ""),
			ConnectTimeout:    envDuration("SFTP_CONNECT_TIMEOUT", 20*time.Second),
			RetryAttempts:     envInt("SFTP_RETRIES", 3),
			RetryFactor:       envFloat("SFTP_RETRY_FACTOR", 2),
			RetryMinDelay:     envDuration("SFTP_RETRY_MIN_DELAY", 2*time.Second),
			RetryMaxDelay:     envDuration("SFTP_RETRY_MAX_DELAY", 30*time.Second),
			KeepAliveInterval: envDuration("SFTP_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		UploadsRoot:          envOr("UPLOADS_ROOT", "/uploads"),
		AdminRoot:            envOr("ADMIN_ROOT", "/admin"),
		PublicURLPrefix:      envOr("PUBLIC_URL_PREFIX", ""),
		SearchMaxDepth:       envInt("SEARCH_MAX_DEPTH", 32),
		SearchWorkers:        envInt("SEARCH_WORKERS", 4),
		ShareBaseURL:         envOr("SHARE_BASE_URL", ""),
		SweepInterval:        envDuration("SWEEP_INTERVAL", time.Hour),
		BcryptCost:           envInt("SHARE_BCRYPT_COST", 10),
		UploadPolicyFile:     envOr("UPLOAD_POLICY_FILE", ""),
		MaxActiveSubmissions: envInt("MAX_ACTIVE_SUBMISSIONS", 20),
		Categories:           DefaultCategories(),
	}

	if cfg.UploadPolicyFile != "" {
		cats, err := LoadPolicyFile(cfg.UploadPolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Categories = cats
	}
	applyCategoryEnv(cfg.Categories)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.JWTSecret == "" && c.OIDCIssuerURL == "" {
		return fmt.Errorf("invalid configuration: JWT_SECRET or OIDC_ISSUER_URL is required")
	}
	return nil
}

// applyCategoryEnv lets MAX_UPLOAD_SIZE_<NAME> and ALLOWED_TYPES_<NAME>
// override individual category settings.
func applyCategoryEnv(cats map[string]Category) {
	for name, cat := range cats {
		key := strings.ToUpper(name)
		cat.MaxSize = envInt64("MAX_UPLOAD_SIZE_"+key, cat.MaxSize)
		if v := os.Getenv("ALLOWED_TYPES_" + key); v != "" {
			cat.AllowedTypes = splitList(v)
		}
		cats[name] = cat
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
