// Package config loads the brokerlink configuration from YAML, an optional
// .env file and environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for brokerlink.
type Config struct {
	Storage       Storage       `yaml:"storage"`
	Server        Server        `yaml:"server"`
	Alpaca        Alpaca        `yaml:"alpaca"`
	Kite          Kite          `yaml:"kite"`
	Brokers       Brokers       `yaml:"brokers"`
	Security      Security      `yaml:"security"`
	Logging       Logging       `yaml:"logging"`
	Alerts        Alerts        `yaml:"alerts"`
	Notifications Notifications `yaml:"notifications"`
	Reconcile     Reconcile     `yaml:"reconcile"`
	Trading       Trading       `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"` // Parquet candle archive; empty disables it
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds endpoint overrides for the Alpaca APIs. Credentials are per
// user and live in the store.
type Alpaca struct {
	BaseURL string `yaml:"base_url"`
	DataURL string `yaml:"data_url"`
	Feed    string `yaml:"feed"`
}

// Kite holds Zerodha Kite Connect settings.
type Kite struct {
	BaseURL         string `yaml:"base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Brokers holds cross-venue switches.
type Brokers struct {
	SandboxMode bool          `yaml:"sandbox_mode"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Security configures the credential vault.
type Security struct {
	EncryptionKey string `yaml:"encryption_key"` // base64, 32 bytes
	Cipher        string `yaml:"cipher"`         // aes-256-gcm or chacha20-poly1305
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Alerts configures the rule evaluation scheduler.
type Alerts struct {
	Interval    time.Duration `yaml:"interval"`
	Workers     int           `yaml:"workers"`
	RuleTimeout time.Duration `yaml:"rule_timeout"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	RuleCap     int           `yaml:"rule_cap"`
}

// Notifications configures the push dispatch queue.
type Notifications struct {
	Gateway        string        `yaml:"gateway"` // expo or apns
	ExpoURL        string        `yaml:"expo_url"`
	Workers        int           `yaml:"workers"`
	Attempts       int           `yaml:"attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	KeepCompleted  int           `yaml:"keep_completed"`
	KeepFailed     int           `yaml:"keep_failed"`
	DeviceCap      int           `yaml:"device_cap"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	APNs           APNs          `yaml:"apns"`
}

// APNs holds token-based Apple Push credentials.
type APNs struct {
	KeyFile    string `yaml:"key_file"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	Topic      string `yaml:"topic"`
	Production bool   `yaml:"production"`
}

// Reconcile configures the periodic order and position sync.
type Reconcile struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Trading defines pre-trade limits.
type Trading struct {
	MaxOrderNotional float64 `yaml:"max_order_notional"` // 0 disables the check
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// MinAlertInterval is the fastest permitted alert tick.
const MinAlertInterval = 10 * time.Second

// ApplyDefaults fills zero values and enforces floors.
func (c *Config) ApplyDefaults() {
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "brokerlink.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	if c.Kite.RateLimitPerMin == 0 {
		c.Kite.RateLimitPerMin = 180
	}
	if c.Brokers.CallTimeout == 0 {
		c.Brokers.CallTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Alerts.Interval == 0 {
		c.Alerts.Interval = time.Minute
	}
	if c.Alerts.Interval < MinAlertInterval {
		c.Alerts.Interval = MinAlertInterval
	}
	if c.Alerts.Workers == 0 {
		c.Alerts.Workers = 8
	}
	if c.Alerts.RuleTimeout == 0 {
		c.Alerts.RuleTimeout = 15 * time.Second
	}
	if c.Alerts.DedupWindow == 0 {
		c.Alerts.DedupWindow = 5 * time.Minute
	}
	if c.Alerts.RuleCap == 0 {
		c.Alerts.RuleCap = 500
	}

	n := &c.Notifications
	if n.Gateway == "" {
		n.Gateway = "expo"
	}
	if n.ExpoURL == "" {
		n.ExpoURL = "https://exp.host/--/api/v2/push/send"
	}
	if n.Workers == 0 {
		n.Workers = 4
	}
	if n.Attempts == 0 {
		n.Attempts = 3
	}
	if n.Backoff == 0 {
		n.Backoff = time.Second
	}
	if n.KeepCompleted == 0 {
		n.KeepCompleted = 100
	}
	if n.KeepFailed == 0 {
		n.KeepFailed = 500
	}
	if n.DeviceCap == 0 {
		n.DeviceCap = 30
	}
	if n.RequestTimeout == 0 {
		n.RequestTimeout = 10 * time.Second
	}

	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = 5 * time.Minute
	}
	if c.Reconcile.Timeout == 0 {
		c.Reconcile.Timeout = 30 * time.Second
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and then defaults.
// A missing file yields a config built from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("BROKERLINK_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := envInt("BROKERLINK_PORT"); v > 0 {
		cfg.Server.Port = v
	}
	if v := envInt("BROKERLINK_GRPC_PORT"); v > 0 {
		cfg.Server.GRPCPort = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("KITE_BASE_URL"); v != "" {
		cfg.Kite.BaseURL = v
	}

	if v := os.Getenv("BROKER_SANDBOX_MODE"); v != "" {
		cfg.Brokers.SandboxMode = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := envInt("ALERT_EVAL_INTERVAL_MS"); v > 0 {
		cfg.Alerts.Interval = time.Duration(v) * time.Millisecond
	}

	if v := os.Getenv("EXPO_PUSH_URL"); v != "" {
		cfg.Notifications.ExpoURL = v
	}

	if v := os.Getenv("BROKERLINK_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	// The shared APP_ENCRYPTION_KEY name wins when both are set.
	if v := os.Getenv("APP_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
