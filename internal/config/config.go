package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. It is read-only after Load returns.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Corrections CorrectionsConfig `yaml:"corrections"`
	Sync        SyncConfig        `yaml:"sync"`
	Notion      NotionConfig      `yaml:"notion"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	AuthToken       string   `yaml:"-"` // env-only
}

// StorageConfig selects the durable backend by DSN (memory://, file://,
// sqlite://, postgres://).
type StorageConfig struct {
	DSN        string   `yaml:"dsn"`
	CacheTTL   Duration `yaml:"cache_ttl"`
	QuotaBytes int64    `yaml:"quota_bytes"`
	QueueDepth int      `yaml:"queue_depth"`
	Watch      bool     `yaml:"watch"`
}

type CorrectionsConfig struct {
	MaxEntries        int      `yaml:"max_entries"`
	Retention         Duration `yaml:"retention"`
	PressureThreshold float64  `yaml:"pressure_threshold"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
}

type SyncConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	Jitter      float64  `yaml:"jitter"`
	PassTimeout Duration `yaml:"pass_timeout"`
}

type NotionConfig struct {
	Token             string  `yaml:"-"` // env-only
	DatabaseID        string  `yaml:"database_id"`
	BaseURL           string  `yaml:"base_url"`
	APIVersion        string  `yaml:"api_version"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Duration is a time.Duration read from YAML strings such as "15s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration with precedence defaults, then the YAML file at
// OPERATORSYNC_CONFIG (missing file is fine), then environment overrides.
func Load() (*Config, error) {
	cfg := newDefaults()
	path := getEnv("OPERATORSYNC_CONFIG", "operatorsync.yaml")
	if err := loadYAMLFile(cfg, path, false); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile is Load with an explicit path that must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, path, true); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			ReadTimeout:     Duration(15 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			MaxBodyBytes:    1 << 20,
			AllowedOrigins:  []string{"chrome-extension://*"},
		},
		Storage: StorageConfig{
			DSN:        "file://data/state",
			CacheTTL:   Duration(60 * time.Second),
			QuotaBytes: 10 * 1024 * 1024,
			QueueDepth: 64,
			Watch:      true,
		},
		Corrections: CorrectionsConfig{
			MaxEntries:        1000,
			Retention:         Duration(30 * 24 * time.Hour),
			PressureThreshold: 0.8,
			CleanupInterval:   Duration(time.Hour),
		},
		Sync: SyncConfig{
			Enabled:     true,
			Interval:    Duration(15 * time.Second),
			Jitter:      0.2,
			PassTimeout: Duration(60 * time.Second),
		},
		Notion: NotionConfig{
			BaseURL:           "https://api.notion.com",
			APIVersion:        "2022-06-28",
			RequestsPerSecond: 3,
			MaxRetries:        3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func loadYAMLFile(cfg *Config, path string, mustExist bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides lets non-empty env vars override file values.
// Unparseable numbers and durations are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("OPERATORSYNC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OPERATORSYNC_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("OPERATORSYNC_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("OPERATORSYNC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}

	// Storage
	if v := os.Getenv("OPERATORSYNC_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("OPERATORSYNC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.CacheTTL = Duration(d)
		}
	}
	if v := os.Getenv("OPERATORSYNC_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.QuotaBytes = n
		}
	}
	if v := os.Getenv("OPERATORSYNC_STORAGE_WATCH"); v != "" {
		cfg.Storage.Watch = parseBool(v)
	}

	// Corrections
	if v := os.Getenv("OPERATORSYNC_CORRECTIONS_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Corrections.MaxEntries = n
		}
	}
	if v := os.Getenv("OPERATORSYNC_CORRECTIONS_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Corrections.Retention = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("OPERATORSYNC_SYNC_ENABLED"); v != "" {
		cfg.Sync.Enabled = parseBool(v)
	}
	if v := os.Getenv("OPERATORSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}

	// Notion (NOTION_TOKEN is the integration convention)
	if v := os.Getenv("NOTION_TOKEN"); v != "" {
		cfg.Notion.Token = v
	}
	if v := os.Getenv("OPERATORSYNC_NOTION_DATABASE_ID"); v != "" {
		cfg.Notion.DatabaseID = v
	}
	if v := os.Getenv("OPERATORSYNC_NOTION_BASE_URL"); v != "" {
		cfg.Notion.BaseURL = v
	}

	// Log
	if v := os.Getenv("OPERATORSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OPERATORSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("OPERATORSYNC_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if c.Corrections.PressureThreshold <= 0 || c.Corrections.PressureThreshold > 1 {
		errs = append(errs, fmt.Errorf("corrections.pressure_threshold must be in (0,1], got %v", c.Corrections.PressureThreshold))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 0.9 {
		errs = append(errs, fmt.Errorf("sync.jitter must be in [0,0.9], got %v", c.Sync.Jitter))
	}
	if c.Notion.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("notion.requests_per_second must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SyncReady reports whether the remote side is configured well enough to
// start the reconciliation loop.
func (c *Config) SyncReady() bool {
	return c.Sync.Enabled && strings.TrimSpace(c.Notion.Token) != "" && strings.TrimSpace(c.Notion.DatabaseID) != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
