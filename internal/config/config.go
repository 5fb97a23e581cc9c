package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
// Precedence: environment (SEATGATE_ prefix) > YAML file > built-in defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Seats    SeatsConfig    `yaml:"seats" envconfig:"SEATS"`
	Vault    VaultConfig    `yaml:"vault" envconfig:"VAULT"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains the per-IP rate limit applied to /api/validate.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED"`
	Requests int           `yaml:"requests" envconfig:"REQUESTS"`
	Window   time.Duration `yaml:"window" envconfig:"WINDOW"`
}

// DatabaseConfig contains the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url" envconfig:"URL"`
}

// LicenseConfig tunes the validation pipeline.
type LicenseConfig struct {
	// MaxRequestAge rejects requests whose timestamp is older than this
	// (anti-replay).
	MaxRequestAge time.Duration `yaml:"max_request_age" envconfig:"MAX_REQUEST_AGE"`
	// MaxClockSkew rejects requests timestamped further in the future
	// than this.
	MaxClockSkew time.Duration `yaml:"max_clock_skew" envconfig:"MAX_CLOCK_SKEW"`
	// StatsWindow bounds the validation-log aggregation in Stats.
	StatsWindow time.Duration `yaml:"stats_window" envconfig:"STATS_WINDOW"`
}

// SeatsConfig tunes seat admission and session reclamation.
type SeatsConfig struct {
	// GraceWindow lets the same identity reconnect without a capacity
	// check after a dropped socket.
	GraceWindow time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW"`
	// HeartbeatTimeout marks a session stale once no heartbeat has been
	// seen for this long.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" envconfig:"HEARTBEAT_TIMEOUT"`
	// ReapInterval is the reaper tick.
	ReapInterval time.Duration `yaml:"reap_interval" envconfig:"REAP_INTERVAL"`
}

// VaultConfig configures envelope encryption for stored credentials.
type VaultConfig struct {
	// Backend selects the key-management backend: "cloudkms" or "memory".
	Backend string `yaml:"backend" envconfig:"BACKEND"`
	// KeyName is the fully-qualified Cloud KMS key resource name, e.g.
	// projects/p/locations/l/keyRings/r/cryptoKeys/k.
	KeyName string `yaml:"key_name" envconfig:"KEY_NAME"`
	// MasterKeyHex seeds the in-memory backend (dev/test only).
	MasterKeyHex string `yaml:"master_key_hex" envconfig:"MASTER_KEY_HEX"`
	// CallTimeout caps each KMS RPC.
	CallTimeout time.Duration `yaml:"call_timeout" envconfig:"CALL_TIMEOUT"`
}

// AuthConfig contains token signing and admin access settings.
type AuthConfig struct {
	// TokenSecret signs connection tokens (HMAC-SHA256).
	TokenSecret string `yaml:"token_secret" envconfig:"TOKEN_SECRET"`
	// TokenTTL is the connection token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	// AdminSecretHash is the bcrypt hash the X-Admin-Secret header is
	// compared against on /api/stats.
	AdminSecretHash string `yaml:"admin_secret_hash" envconfig:"ADMIN_SECRET_HASH"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Output string `yaml:"output" envconfig:"OUTPUT"`
	// FilePath is used when Output is "file" or "both".
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:  true,
				Requests: 100,
				Window:   15 * time.Minute,
			},
		},
		License: LicenseConfig{
			MaxRequestAge: 5 * time.Minute,
			MaxClockSkew:  time.Minute,
			StatsWindow:   30 * 24 * time.Hour,
		},
		Seats: SeatsConfig{
			GraceWindow:      5 * time.Minute,
			HeartbeatTimeout: 2 * time.Minute,
			ReapInterval:     60 * time.Second,
		},
		Vault: VaultConfig{
			Backend:     "memory",
			CallTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/seatgate.log",
		},
	}
}

// Load loads configuration from an optional YAML file and the
// environment. Environment variables take precedence over the file,
// which takes precedence over defaults.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SEATGATE_CONFIG_FILE"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("SEATGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (SEATGATE_DATABASE_URL)")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("token secret is required (SEATGATE_AUTH_TOKEN_SECRET)")
	}
	if c.Seats.HeartbeatTimeout <= 0 || c.Seats.ReapInterval <= 0 {
		return fmt.Errorf("heartbeat timeout and reap interval must be positive")
	}
	if c.Vault.Backend == "cloudkms" && c.Vault.KeyName == "" {
		return fmt.Errorf("vault key name is required for the cloudkms backend")
	}
	return nil
}
