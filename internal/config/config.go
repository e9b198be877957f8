// Package config provides configuration management using viper.
// It supports loading from YAML files, an optional .env file and
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Round     RoundConfig     `mapstructure:"round"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Etherscan EtherscanConfig `mapstructure:"etherscan"`
	Metric    MetricConfig    `mapstructure:"metric"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token       string        `mapstructure:"token"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// DatabaseConfig holds storage configuration.
// Driver selects PostgreSQL (production) or SQLite (single-node/dev).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// RoundConfig holds the initial round parameters. They are only applied
// when storage has no round yet; a restart resumes the persisted round.
type RoundConfig struct {
	ControlValue  int64  `mapstructure:"control_value"` // 0 means take the current metric value
	WagerAmount   string `mapstructure:"wager_amount"`
	Fee           string `mapstructure:"fee"`
	WalletA       string `mapstructure:"wallet_a"`
	WalletB       string `mapstructure:"wallet_b"`
	Cutover       string `mapstructure:"cutover"` // standard cron expression, evaluated in UTC
	QRURLTemplate string `mapstructure:"qr_url_template"`
}

// EngineConfig holds worker timing configuration.
type EngineConfig struct {
	StopLead           time.Duration `mapstructure:"stop_lead"`
	MinWait            time.Duration `mapstructure:"min_wait"`
	MaxWait            time.Duration `mapstructure:"max_wait"`
	VerifyInterval     time.Duration `mapstructure:"verify_interval"`
	MetricPollInterval time.Duration `mapstructure:"metric_poll_interval"`
	DispatchPoll       time.Duration `mapstructure:"dispatch_poll"`
	IngestRetry        time.Duration `mapstructure:"ingest_retry"`
	BroadcastRate      float64       `mapstructure:"broadcast_rate"` // messages per second
}

// EtherscanConfig holds settlement source configuration.
type EtherscanConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Rate     float64       `mapstructure:"rate"` // requests per second
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"` // transactions per txlist page
}

// MetricConfig holds metric source configuration.
type MetricConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the server
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // console | json
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	// .env is optional; values there become regular environment variables
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g., BOT_TOKEN, DATABASE_HOST, ETHERSCAN_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.poll_timeout", "30s")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "wagerbot")
	v.SetDefault("database.name", "wagerbot")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.sqlite_path", "wagerbot.db")

	v.SetDefault("round.wager_amount", "0.03")
	v.SetDefault("round.fee", "0.1")
	v.SetDefault("round.cutover", "0 6 * * *")
	v.SetDefault("round.qr_url_template", "https://api.qrserver.com/v1/create-qr-code/?size=300x300&data=%s")

	v.SetDefault("engine.stop_lead", "5s")
	v.SetDefault("engine.min_wait", "3s")
	v.SetDefault("engine.max_wait", "1m")
	v.SetDefault("engine.verify_interval", "1m")
	v.SetDefault("engine.metric_poll_interval", "5m")
	v.SetDefault("engine.dispatch_poll", "500ms")
	v.SetDefault("engine.ingest_retry", "3s")
	v.SetDefault("engine.broadcast_rate", 25)

	v.SetDefault("etherscan.base_url", "https://api.etherscan.io/api")
	v.SetDefault("etherscan.rate", 4)
	v.SetDefault("etherscan.timeout", "10s")
	v.SetDefault("etherscan.page_size", 50)

	v.SetDefault("metric.timeout", "10s")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validation errors.
var (
	ErrInvalidFee         = errors.New("round.fee must be between 0 and 1 (exclusive)")
	ErrInvalidWagerAmount = errors.New("round.wager_amount must be positive")
	ErrInvalidCutover     = errors.New("round.cutover is not a valid cron expression")
	ErrInvalidDriver      = errors.New("database.driver must be postgres or sqlite")
)

// Validate checks values that cannot be expressed as viper defaults.
func (c *Config) Validate() error {
	if c.Database.Driver != DriverPostgres && c.Database.Driver != DriverSQLite {
		return ErrInvalidDriver
	}
	if _, err := c.Round.FeeDecimal(); err != nil {
		return err
	}
	if _, err := c.Round.WagerAmountDecimal(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Round.Cutover); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCutover, err)
	}
	return nil
}

// FeeDecimal parses the configured fee.
func (r *RoundConfig) FeeDecimal() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(r.Fee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidFee, err)
	}
	if !fee.IsPositive() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrInvalidFee
	}
	return fee, nil
}

// WagerAmountDecimal parses the configured stake.
func (r *RoundConfig) WagerAmountDecimal() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(r.WagerAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidWagerAmount, err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidWagerAmount
	}
	return amount, nil
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}
