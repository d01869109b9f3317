package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/arbiter-trade/arbiter/pkg/secrets"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Pairs     []string         `mapstructure:"pairs"`
	Detector  DetectorConfig   `mapstructure:"detector"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	GCP       GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ExchangeConfig struct {
	Code      string  `mapstructure:"code"`
	Name      string  `mapstructure:"name"`
	APIURL    string  `mapstructure:"api_url"`
	WSURL     string  `mapstructure:"ws_url"`
	RateLimit int     `mapstructure:"rate_limit"` // requests per minute
	MakerFee  float64 `mapstructure:"maker_fee"`  // fraction, e.g. 0.002
	TakerFee  float64 `mapstructure:"taker_fee"`
	APIKey    string  `mapstructure:"api_key"`
	APISecret string  `mapstructure:"api_secret"`
}

type DetectorConfig struct {
	MinProfitPct   float64       `mapstructure:"min_profit_pct"`
	MaxOrderSize   float64       `mapstructure:"max_order_size"`
	OpportunityTTL time.Duration `mapstructure:"opportunity_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

type ExecutorConfig struct {
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	FillWait         time.Duration `mapstructure:"fill_wait"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Sequential       bool          `mapstructure:"sequential"`
	UseMarketOrders  bool          `mapstructure:"use_market_orders"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	UseSecrets bool   `mapstructure:"use_secrets"`
}

func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/arbiter")
	}

	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("detector.min_profit_pct", 0.5)
	v.SetDefault("detector.max_order_size", 1.0)
	v.SetDefault("detector.opportunity_ttl", "60s")
	v.SetDefault("detector.sweep_interval", "5s")

	v.SetDefault("executor.execution_timeout", "90s")
	v.SetDefault("executor.fill_wait", "30s")
	v.SetDefault("executor.poll_interval", "1s")
	v.SetDefault("executor.sequential", false)
	v.SetDefault("executor.use_market_orders", false)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window", "60s")
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
}

// overrideFromEnv picks up per-exchange credentials from the environment,
// e.g. ARBITER_RAMZINEX_API_KEY for the exchange with code "ramzinex".
func overrideFromEnv(config *Config) {
	for i := range config.Exchanges {
		prefix := "ARBITER_" + strings.ToUpper(config.Exchanges[i].Code)
		if apiKey := os.Getenv(prefix + "_API_KEY"); apiKey != "" {
			config.Exchanges[i].APIKey = apiKey
		}
		if apiSecret := os.Getenv(prefix + "_API_SECRET"); apiSecret != "" {
			config.Exchanges[i].APISecret = apiSecret
		}
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that aren't already set
	for i := range config.Exchanges {
		names := secrets.DefaultSecretNames(config.Exchanges[i].Code)
		if config.Exchanges[i].APIKey == "" {
			config.Exchanges[i].APIKey = secretManager.GetSecretWithDefault(ctx, names.APIKey, "")
		}
		if config.Exchanges[i].APISecret == "" {
			config.Exchanges[i].APISecret = secretManager.GetSecretWithDefault(ctx, names.APISecret, "")
		}
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
