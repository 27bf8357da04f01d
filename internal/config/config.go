package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/pacifica"
	"github.com/gregtusar/pacifica-volume/pkg/secrets"
	"github.com/gregtusar/pacifica-volume/pkg/trader"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "PACIFICA"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Pacifica    PacificaConfig    `mapstructure:"pacifica"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	GCP         GCPConfig         `mapstructure:"gcp"`
}

type ServerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type PacificaConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	WebSocketURL      string  `mapstructure:"websocket_url"`
	UseWebSocket      bool    `mapstructure:"use_websocket"`
	ReconnectDelay    int     `mapstructure:"reconnect_delay"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	RequestTimeout    int     `mapstructure:"request_timeout"`
	AccountsFile      string  `mapstructure:"accounts_file"`
}

// CredentialsConfig is a single signer. When PrivateKey is set it replaces accounts.csv.
type CredentialsConfig struct {
	PrivateKey  string `mapstructure:"private_key"`
	Account     string `mapstructure:"account"`
	AgentWallet string `mapstructure:"agent_wallet"`
}

type TradingConfig struct {
	HoldTimeMin           int      `mapstructure:"hold_time_min"`
	HoldTimeMax           int      `mapstructure:"hold_time_max"`
	TargetVolume          float64  `mapstructure:"target_volume"`
	Leverage              int      `mapstructure:"leverage"`
	Markets               []string `mapstructure:"markets"`
	MinPositionSize       float64  `mapstructure:"min_position_size"`
	MaxPositionSize       float64  `mapstructure:"max_position_size"`
	DelayBetweenTradesMin int      `mapstructure:"delay_between_trades_min"`
	DelayBetweenTradesMax int      `mapstructure:"delay_between_trades_max"`
	UseMakerOrders        bool     `mapstructure:"use_maker_orders"`
	TakeProfitPercentMin  float64  `mapstructure:"take_profit_percent_min"`
	TakeProfitPercentMax  float64  `mapstructure:"take_profit_percent_max"`
	StopLossPercentMin    float64  `mapstructure:"stop_loss_percent_min"`
	StopLossPercentMax    float64  `mapstructure:"stop_loss_percent_max"`
	SlippageMin           float64  `mapstructure:"slippage_min"`
	SlippageMax           float64  `mapstructure:"slippage_max"`

	Fill    FillConfig    `mapstructure:"fill"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// FillConfig values are in seconds.
type FillConfig struct {
	MaxWait           int `mapstructure:"max_wait"`
	RepositionTimeout int `mapstructure:"reposition_timeout"`
	PollInterval      int `mapstructure:"poll_interval"`
}

type MonitorConfig struct {
	Interval int `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// SecretGetter is the part of the secret manager the loader needs.
type SecretGetter interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, relying on environment")
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pacifica-volume")
	}

	// Read environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	convertLegacy(v, &config.Trading)

	// Override with environment variables if set
	overrideFromEnv(&config)

	// Load secrets from GCP if enabled
	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer secretManager.Close()

		fillCredentials(ctx, &config.Credentials, config.GCP.SecretNames, secretManager)
		logger.Info("Loaded credentials from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	// Pacifica defaults
	v.SetDefault("pacifica.base_url", pacifica.MainnetAPIURL)
	v.SetDefault("pacifica.websocket_url", pacifica.MainnetWSURL)
	v.SetDefault("pacifica.use_websocket", true)
	v.SetDefault("pacifica.reconnect_delay", 5)
	v.SetDefault("pacifica.requests_per_second", 5.0)
	v.SetDefault("pacifica.burst", 2)
	v.SetDefault("pacifica.request_timeout", 30)
	v.SetDefault("pacifica.accounts_file", "accounts.csv")

	v.SetDefault("credentials.private_key", "")
	v.SetDefault("credentials.account", "")
	v.SetDefault("credentials.agent_wallet", "")

	// Trading defaults
	d := trader.DefaultSettings()
	v.SetDefault("trading.hold_time_min", d.HoldTimeMinutes.Min)
	v.SetDefault("trading.hold_time_max", d.HoldTimeMinutes.Max)
	v.SetDefault("trading.target_volume", d.TargetVolume)
	v.SetDefault("trading.leverage", d.Leverage)
	v.SetDefault("trading.markets", d.Markets)
	v.SetDefault("trading.min_position_size", d.PositionSize.Min)
	v.SetDefault("trading.max_position_size", d.PositionSize.Max)
	v.SetDefault("trading.delay_between_trades_min", d.DelaySeconds.Min)
	v.SetDefault("trading.delay_between_trades_max", d.DelaySeconds.Max)
	v.SetDefault("trading.use_maker_orders", d.UseMakerOrders)
	v.SetDefault("trading.take_profit_percent_min", d.TakeProfit.Min)
	v.SetDefault("trading.take_profit_percent_max", d.TakeProfit.Max)
	v.SetDefault("trading.stop_loss_percent_min", d.StopLoss.Min)
	v.SetDefault("trading.stop_loss_percent_max", d.StopLoss.Max)
	v.SetDefault("trading.slippage_min", d.Slippage.Min)
	v.SetDefault("trading.slippage_max", d.Slippage.Max)
	v.SetDefault("trading.fill.max_wait", int(d.Fill.MaxWait/time.Second))
	v.SetDefault("trading.fill.reposition_timeout", int(d.Fill.RepositionTimeout/time.Second))
	v.SetDefault("trading.fill.poll_interval", int(d.Fill.PollInterval/time.Second))
	v.SetDefault("trading.monitor.interval", int(d.MonitorInterval/time.Second))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	// Secret name defaults
	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.private_key", secretNames.PrivateKey)
	v.SetDefault("gcp.secret_names.account", secretNames.Account)
	v.SetDefault("gcp.secret_names.agent_wallet", secretNames.AgentWallet)
}

// explicit reports whether key came from the config file or the environment rather than a default.
func explicit(v *viper.Viper, key string) bool {
	if v.InConfig(key) {
		return true
	}
	env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(env)
	return ok
}

// convertLegacy expands the old single-value keys into ranges unless the range is given.
func convertLegacy(v *viper.Viper, t *TradingConfig) {
	if explicit(v, "trading.hold_time") && !explicit(v, "trading.hold_time_min") {
		h := v.GetInt("trading.hold_time")
		t.HoldTimeMin = max(1, h-2)
		t.HoldTimeMax = h + 2
	}
	if explicit(v, "trading.delay_between_trades") && !explicit(v, "trading.delay_between_trades_min") {
		d := v.GetInt("trading.delay_between_trades")
		t.DelayBetweenTradesMin = max(10, d-15)
		t.DelayBetweenTradesMax = d + 15
	}
	if explicit(v, "trading.take_profit_percent") && !explicit(v, "trading.take_profit_percent_min") {
		tp := v.GetFloat64("trading.take_profit_percent")
		t.TakeProfitPercentMin = tp * 0.6
		t.TakeProfitPercentMax = tp * 1.5
	}
	if explicit(v, "trading.stop_loss_percent") && !explicit(v, "trading.stop_loss_percent_min") {
		sl := v.GetFloat64("trading.stop_loss_percent")
		t.StopLossPercentMin = sl * 0.7
		t.StopLossPercentMax = sl * 1.3
	}
	if explicit(v, "trading.slippage") && !explicit(v, "trading.slippage_min") {
		s := v.GetFloat64("trading.slippage")
		t.SlippageMin = s * 0.6
		t.SlippageMax = s * 1.4
	}
}

func overrideFromEnv(config *Config) {
	// Signer credentials from environment
	if privateKey := os.Getenv("PACIFICA_PRIVATE_KEY"); privateKey != "" {
		config.Credentials.PrivateKey = privateKey
	}
	if account := os.Getenv("PACIFICA_ACCOUNT"); account != "" {
		config.Credentials.Account = account
	}
	if agentWallet := os.Getenv("PACIFICA_AGENT_WALLET"); agentWallet != "" {
		config.Credentials.AgentWallet = agentWallet
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// fillCredentials only loads secrets for fields that are not already set.
func fillCredentials(ctx context.Context, creds *CredentialsConfig, names secrets.SecretNames, getter SecretGetter) {
	if creds.PrivateKey == "" {
		creds.PrivateKey = getter.GetSecretWithDefault(ctx, names.PrivateKey, "")
	}
	if creds.Account == "" {
		creds.Account = getter.GetSecretWithDefault(ctx, names.Account, "")
	}
	if creds.AgentWallet == "" {
		creds.AgentWallet = getter.GetSecretWithDefault(ctx, names.AgentWallet, "")
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server port %d is out of range", c.Server.Port))
	}
	if c.Pacifica.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must not be negative, got %v", c.Pacifica.RequestsPerSecond))
	}
	if err := c.Trading.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Settings converts the trading section into trader settings. Unset tunables keep their defaults.
func (t TradingConfig) Settings() trader.Settings {
	s := trader.DefaultSettings()
	s.HoldTimeMinutes = trader.IntRange{Min: t.HoldTimeMin, Max: t.HoldTimeMax}
	s.TargetVolume = t.TargetVolume
	s.Leverage = t.Leverage
	s.Markets = normalizeMarkets(t.Markets)
	s.PositionSize = trader.Range{Min: t.MinPositionSize, Max: t.MaxPositionSize}
	s.DelaySeconds = trader.IntRange{Min: t.DelayBetweenTradesMin, Max: t.DelayBetweenTradesMax}
	s.UseMakerOrders = t.UseMakerOrders
	s.TakeProfit = trader.Range{Min: t.TakeProfitPercentMin, Max: t.TakeProfitPercentMax}
	s.StopLoss = trader.Range{Min: t.StopLossPercentMin, Max: t.StopLossPercentMax}
	s.Slippage = trader.Range{Min: t.SlippageMin, Max: t.SlippageMax}

	if t.Fill.MaxWait > 0 {
		s.Fill.MaxWait = seconds(t.Fill.MaxWait)
	}
	if t.Fill.RepositionTimeout > 0 {
		s.Fill.RepositionTimeout = seconds(t.Fill.RepositionTimeout)
	}
	if t.Fill.PollInterval > 0 {
		s.Fill.PollInterval = seconds(t.Fill.PollInterval)
	}
	if t.Monitor.Interval > 0 {
		s.MonitorInterval = seconds(t.Monitor.Interval)
	}
	return s
}

func normalizeMarkets(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
