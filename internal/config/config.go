package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Origin  OriginConfig  `yaml:"origin" mapstructure:"origin"`
	Payment PaymentConfig `yaml:"payment" mapstructure:"payment"`
	Quota   QuotaConfig   `yaml:"quota" mapstructure:"quota"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener and the retrieval hostnames.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// DNSRoot is the suffix stripped from the Host header to recover the
	// retrieval slug, e.g. ".filbeam.io".
	DNSRoot            string `yaml:"dns_root" mapstructure:"dns_root"`
	ClientCacheTTLSecs int    `yaml:"client_cache_ttl_secs" mapstructure:"client_cache_ttl_secs"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RedisConfig configures the denylist store.
type RedisConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	DenylistKey string `yaml:"denylist_key" mapstructure:"denylist_key"`
}

// OriginConfig configures upstream fetches against service providers.
type OriginConfig struct {
	CacheTTLSecs      int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	UserAgent         string `yaml:"user_agent" mapstructure:"user_agent"`
	HeaderTimeoutSecs int    `yaml:"header_timeout_secs" mapstructure:"header_timeout_secs"`
	PerProviderRPS    int    `yaml:"per_provider_rps" mapstructure:"per_provider_rps"`
	PerProviderBurst  int    `yaml:"per_provider_burst" mapstructure:"per_provider_burst"`
}

// PaymentConfig configures the x402 facilitator.
type PaymentConfig struct {
	FacilitatorURL  string `yaml:"facilitator_url" mapstructure:"facilitator_url"`
	Network         string `yaml:"network" mapstructure:"network"`
	Asset           string `yaml:"asset" mapstructure:"asset"`
	MaxTimeoutSecs  int    `yaml:"max_timeout_secs" mapstructure:"max_timeout_secs"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
}

// QuotaConfig toggles egress quota enforcement in the eligibility cascade.
type QuotaConfig struct {
	Enforce bool `yaml:"enforce" mapstructure:"enforce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FILBEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dns_root", ".filbeam.io")
	v.SetDefault("server.client_cache_ttl_secs", 31536000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.denylist_key", "denylist:badbits")
	v.SetDefault("origin.cache_ttl_secs", 86400)
	v.SetDefault("origin.user_agent", "filbeam-gateway")
	v.SetDefault("origin.header_timeout_secs", 30)
	v.SetDefault("origin.per_provider_rps", 50)
	v.SetDefault("origin.per_provider_burst", 100)
	v.SetDefault("payment.network", "base")
	v.SetDefault("payment.asset", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	v.SetDefault("payment.max_timeout_secs", 300)
	v.SetDefault("payment.call_timeout_secs", 20)
	v.SetDefault("quota.enforce", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
