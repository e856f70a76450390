// Package config loads the service configuration from YAML and the environment
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Gateway modes
const (
	GatewayModeSandbox = "sandbox"
	GatewayModeHTTP    = "http"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Permissions  PermissionsConfig  `mapstructure:"permissions"`
	Disbursement DisbursementConfig `mapstructure:"disbursement"`
	Gateways     GatewaysConfig     `mapstructure:"gateways"`
	Lark         LarkConfig         `mapstructure:"lark"`
	Payroll      PayrollConfig      `mapstructure:"payroll"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// EngineConfig tunes the retry of transient storage contention
type EngineConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// PermissionsConfig holds the role policy and its cache. Role and actor
// names are case-insensitive because viper lowercases map keys.
type PermissionsConfig struct {
	CacheTTL time.Duration       `mapstructure:"cache_ttl"`
	Roles    map[string][]string `mapstructure:"roles"`
	Actors   map[string][]string `mapstructure:"actors"`
}

// DisbursementConfig holds the payout pool settings
type DisbursementConfig struct {
	Workers         int           `mapstructure:"workers"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	WindowStartDay  int           `mapstructure:"window_start_day"`
	WindowEndDay    int           `mapstructure:"window_end_day"`
	SystemActor     string        `mapstructure:"system_actor"`
	AutoDispatch    bool          `mapstructure:"auto_dispatch"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// GatewaysConfig holds one entry per payment rail
type GatewaysConfig struct {
	GatewayA GatewayConfig `mapstructure:"gateway_a"`
	GatewayB GatewayConfig `mapstructure:"gateway_b"`
}

// GatewayConfig configures a payment gateway. An empty mode disables it.
type GatewayConfig struct {
	Mode           string        `mapstructure:"mode"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SandboxBalance string        `mapstructure:"sandbox_balance"`
}

// Enabled returns true if the gateway has a mode set
func (g GatewayConfig) Enabled() bool {
	return g.Mode != ""
}

// Balance parses the sandbox opening balance; empty means zero
func (g GatewayConfig) Balance() (decimal.Decimal, error) {
	if strings.TrimSpace(g.SandboxBalance) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(g.SandboxBalance))
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	AppID         string `mapstructure:"app_id"`
	AppSecret     string `mapstructure:"app_secret"`
	ReceiveIDType string `mapstructure:"receive_id_type"`
}

// ContactConfig is a notification recipient
type ContactConfig struct {
	Name      string `mapstructure:"name"`
	Phone     string `mapstructure:"phone"`
	ReceiveID string `mapstructure:"receive_id"`
}

// PayrollConfig holds the payroll process settings
type PayrollConfig struct {
	NotifyContacts []ContactConfig `mapstructure:"notify_contacts"`
}

// Load loads configuration from file and environment variables. A missing
// file is not an error; defaults and the environment must then suffice.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/backoffice.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 0)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")

	// Engine defaults
	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.backoff_initial", 10*time.Millisecond)
	v.SetDefault("engine.backoff_max", 200*time.Millisecond)

	// Permission defaults
	v.SetDefault("permissions.cache_ttl", 5*time.Minute)

	// Disbursement defaults
	v.SetDefault("disbursement.workers", 4)
	v.SetDefault("disbursement.rate_per_second", 2.0)
	v.SetDefault("disbursement.burst", 1)
	v.SetDefault("disbursement.dispatch_timeout", 30*time.Second)
	v.SetDefault("disbursement.window_start_day", 24)
	v.SetDefault("disbursement.window_end_day", 31)
	v.SetDefault("disbursement.system_actor", "system")
	v.SetDefault("disbursement.auto_dispatch", false)
	v.SetDefault("disbursement.stale_after", 15*time.Minute)
	v.SetDefault("disbursement.sweep_interval", time.Minute)

	// Gateway defaults
	v.SetDefault("gateways.gateway_a.timeout", 30*time.Second)
	v.SetDefault("gateways.gateway_b.timeout", 30*time.Second)

	// Lark defaults
	v.SetDefault("lark.enabled", false)
	v.SetDefault("lark.receive_id_type", "open_id")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) error {
	// Sensitive credentials from environment
	bindings := map[string]string{
		"lark.app_id":                "LARK_APP_ID",
		"lark.app_secret":            "LARK_APP_SECRET",
		"gateways.gateway_a.api_key": "GATEWAY_A_API_KEY",
		"gateways.gateway_b.api_key": "GATEWAY_B_API_KEY",
		"database.path":              "DATABASE_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %s or %s, got %q", DriverSQLite, DriverMemory, c.Database.Driver)
	}

	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}

	d := c.Disbursement
	if d.WindowStartDay < 1 || d.WindowEndDay > 31 || d.WindowStartDay > d.WindowEndDay {
		return fmt.Errorf("disbursement window days %d-%d are invalid", d.WindowStartDay, d.WindowEndDay)
	}
	if d.Workers < 1 {
		return fmt.Errorf("disbursement.workers must be at least 1")
	}
	if d.RatePerSecond < 0 {
		return fmt.Errorf("disbursement.rate_per_second must not be negative")
	}
	if d.DispatchTimeout <= 0 || d.StaleAfter <= 0 {
		return fmt.Errorf("disbursement.dispatch_timeout and disbursement.stale_after must be positive")
	}
	// The sweeper must never fail an item whose gateway call can still return
	if d.StaleAfter <= d.DispatchTimeout {
		return fmt.Errorf("disbursement.stale_after (%s) must exceed disbursement.dispatch_timeout (%s)", d.StaleAfter, d.DispatchTimeout)
	}

	gateways := map[string]GatewayConfig{"gateway_a": c.Gateways.GatewayA, "gateway_b": c.Gateways.GatewayB}
	for name, g := range gateways {
		if err := g.validate(); err != nil {
			return fmt.Errorf("gateways.%s: %w", name, err)
		}
	}

	if c.Lark.Enabled && (c.Lark.AppID == "" || c.Lark.AppSecret == "") {
		return fmt.Errorf("lark.app_id and lark.app_secret are required when lark is enabled")
	}

	return nil
}

func (g GatewayConfig) validate() error {
	switch g.Mode {
	case "":
		return nil
	case GatewayModeSandbox:
		if _, err := g.Balance(); err != nil {
			return fmt.Errorf("sandbox_balance: %w", err)
		}
	case GatewayModeHTTP:
		if g.BaseURL == "" {
			return fmt.Errorf("base_url is required in http mode")
		}
	default:
		return fmt.Errorf("mode must be %s or %s, got %q", GatewayModeSandbox, GatewayModeHTTP, g.Mode)
	}
	return nil
}
