package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"currency-rate-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Source   SourceConfig   `mapstructure:"source"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ServerConfig covers the HTTP and websocket listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SourceConfig captures exchange-rate source connectivity.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AuthHeader     string        `mapstructure:"auth_header"`
	ProbeAsset     string        `mapstructure:"probe_asset"`
	LiveLimit      int           `mapstructure:"live_limit"`
}

// BrowserConfig parameterises the credential capture session.
type BrowserConfig struct {
	PageURL          string        `mapstructure:"page_url"`
	InterceptURLPart string        `mapstructure:"intercept_url_part"`
	HeaderName       string        `mapstructure:"header_name"`
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	ExecPath         string        `mapstructure:"exec_path"`
	Headless         bool          `mapstructure:"headless"`
}

// SyncConfig governs polling cadence and refresh retry policy.
type SyncConfig struct {
	LiveEveryMinutes int           `mapstructure:"live_every_minutes"`
	FullAt           string        `mapstructure:"full_at"`
	MaxHistoryHours  int           `mapstructure:"max_history_hours"`
	RefreshRetries   int           `mapstructure:"refresh_retries"`
	RefreshBackoff   time.Duration `mapstructure:"refresh_backoff"`
}

// AlertingConfig defines evaluation windows and trigger limits.
type AlertingConfig struct {
	WindowHours       int           `mapstructure:"window_hours"`
	ExceedPctLimit    float64       `mapstructure:"exceed_pct_limit"`
	DeviationPctLimit float64       `mapstructure:"deviation_pct_limit"`
	NotifyOnce        bool          `mapstructure:"notify_once"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("source.base_url", "https://www.doviz.com/api/v11")
	v.SetDefault("source.user_agent", "ratewatcher/1.0")
	v.SetDefault("source.request_timeout", "10s")
	v.SetDefault("source.probe_asset", "USD")
	v.SetDefault("source.live_limit", 60)

	v.SetDefault("browser.page_url", "https://www.doviz.com")
	v.SetDefault("browser.intercept_url_part", "/api/v11/")
	v.SetDefault("browser.header_name", "Authorization")
	v.SetDefault("browser.wait_timeout", "15s")
	v.SetDefault("browser.headless", true)

	v.SetDefault("sync.live_every_minutes", 1)
	v.SetDefault("sync.full_at", "03:00")
	v.SetDefault("sync.max_history_hours", 24)
	v.SetDefault("sync.refresh_retries", 3)
	v.SetDefault("sync.refresh_backoff", "5s")

	v.SetDefault("alerting.window_hours", 24)
	v.SetDefault("alerting.exceed_pct_limit", 0.10)
	v.SetDefault("alerting.deviation_pct_limit", 0.10)
	v.SetDefault("alerting.notify_once", true)
	v.SetDefault("alerting.check_interval", "30s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Sync.LiveEveryMinutes <= 0 {
		return fmt.Errorf("sync.live_every_minutes must be greater than zero")
	}
	if c.Sync.MaxHistoryHours <= 0 {
		return fmt.Errorf("sync.max_history_hours must be greater than zero")
	}
	if c.Sync.RefreshRetries <= 0 {
		return fmt.Errorf("sync.refresh_retries must be greater than zero")
	}
	if c.Alerting.WindowHours <= 0 {
		return fmt.Errorf("alerting.window_hours must be greater than zero")
	}
	if c.Alerting.ExceedPctLimit < 0 {
		return fmt.Errorf("alerting.exceed_pct_limit cannot be negative")
	}
	if c.Alerting.DeviationPctLimit < 0 {
		return fmt.Errorf("alerting.deviation_pct_limit cannot be negative")
	}
	if c.Alerting.CheckInterval <= 0 {
		return fmt.Errorf("alerting.check_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
