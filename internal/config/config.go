// Package config loads the curve engine's runtime configuration from an
// optional YAML file with environment variable overrides (prefix CURVE_).
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type DBConfig struct {
	// Backend selects "postgres" or "memory".
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
}

type RedisConfig struct {
	// URL enables the read-through cache when non-empty.
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LedgerConfig struct {
	// Backend selects "solana" or "memory".
	Backend   string        `mapstructure:"backend"`
	RPC       string        `mapstructure:"rpc"`
	ProgramID string        `mapstructure:"program_id"`
	SignerKey string        `mapstructure:"signer_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// FeeConfigAccount, when set, overrides the static fee table with
	// the on-ledger fee configuration at startup.
	FeeConfigAccount string `mapstructure:"fee_config_account"`
}

type FeesConfig struct {
	CreatorBps   int64 `mapstructure:"creator_bps"`
	PlatformBps  int64 `mapstructure:"platform_bps"`
	BuybackBps   int64 `mapstructure:"buyback_bps"`
	CommunityBps int64 `mapstructure:"community_bps"`
	ReferrerBps  int64 `mapstructure:"referrer_bps"`
}

type TradingConfig struct {
	ImpactCeilingPct  float64 `mapstructure:"impact_ceiling_pct"`
	MinKeysToActivate int64   `mapstructure:"min_keys_to_activate"`
	ApplyRetries      int     `mapstructure:"apply_retries"`
}

type ReconcileConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	Grace         time.Duration `mapstructure:"grace"`
	EscalateAfter time.Duration `mapstructure:"escalate_after"`
}

// Load reads configuration from path (may be empty for env/defaults only).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CURVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.rpc", "")
	v.SetDefault("ledger.program_id", "")
	v.SetDefault("ledger.signer_key", "")
	v.SetDefault("ledger.timeout", "30s")
	v.SetDefault("ledger.fee_config_account", "")
	v.SetDefault("fees.creator_bps", 200)
	v.SetDefault("fees.platform_bps", 100)
	v.SetDefault("fees.buyback_bps", 100)
	v.SetDefault("fees.community_bps", 100)
	v.SetDefault("fees.referrer_bps", 100)
	v.SetDefault("trading.impact_ceiling_pct", 25.0)
	v.SetDefault("trading.min_keys_to_activate", 10)
	v.SetDefault("trading.apply_retries", 5)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 1m")
	v.SetDefault("reconcile.grace", "2m")
	v.SetDefault("reconcile.escalate_after", "30m")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound *os.PathError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
