// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Tier is a single rung of the profit-taking ladder.
type Tier struct {
	PriceMultiplier        float64 `mapstructure:"price_multiplier"`
	CumulativeSellFraction float64 `mapstructure:"cumulative_sell_fraction"`
}

type Config struct {
	RPCList                 []string `mapstructure:"rpc_list"`
	AggregatorEndpoints     []string `mapstructure:"aggregator_endpoints"`
	MarketDataURL           string   `mapstructure:"market_data_url"`
	WalletPrivateKey        string   `mapstructure:"wallet_private_key"`
	MinLiquidityUSD         float64  `mapstructure:"min_liquidity_usd"`
	TierLadder              []Tier   `mapstructure:"tier_ladder"`
	StopLossMultiplier      float64  `mapstructure:"stop_loss_multiplier"`
	PollIntervalSeconds     int      `mapstructure:"poll_interval_seconds"`
	MaxRetriesPerEndpoint   int      `mapstructure:"max_retries_per_endpoint"`
	MaxConcurrentPositions  int      `mapstructure:"max_concurrent_positions"`
	ConfirmationTimeoutSecs int      `mapstructure:"confirmation_timeout_seconds"`
	SlippageBps             uint64   `mapstructure:"slippage_bps"`
	PriorityFeeMicroLamport uint64   `mapstructure:"priority_fee_microlamports"`
	BuyAmountSOL            float64  `mapstructure:"buy_amount_sol"`
	DryRun                  bool     `mapstructure:"dry_run"`
	PostgresURL             string   `mapstructure:"postgres_url"`
	TradeLogCSV             string   `mapstructure:"trade_log_csv"`
	DebugLogging            bool     `mapstructure:"debug_logging"`
	LogFile                 string   `mapstructure:"log_file"`
}

const (
	DefaultMinLiquidityUSD     = 10000.0
	DefaultStopLossMultiplier  = 0.7
	DefaultPollInterval        = 30
	DefaultRetriesPerEndpoint  = 2
	DefaultConcurrentPositions = 10
	DefaultConfirmationTimeout = 60
	DefaultSlippageBps         = 500
	DefaultPriorityFee         = 10000
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"min_liquidity_usd":            DefaultMinLiquidityUSD,
		"stop_loss_multiplier":         DefaultStopLossMultiplier,
		"poll_interval_seconds":        DefaultPollInterval,
		"max_retries_per_endpoint":     DefaultRetriesPerEndpoint,
		"max_concurrent_positions":     DefaultConcurrentPositions,
		"confirmation_timeout_seconds": DefaultConfirmationTimeout,
		"slippage_bps":                 DefaultSlippageBps,
		"priority_fee_microlamports":   DefaultPriorityFee,
		"log_file":                     "autotrader.log",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, Validate(&cfg)
}

// Validate checks the configuration for internal consistency. Exported so
// callers constructing Config directly can reuse it.
func Validate(cfg *Config) error {
	if len(cfg.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	for _, rpcURL := range cfg.RPCList {
		if err := validateURLWithCache(rpcURL, "http"); err != nil {
			return errors.New("invalid RPC URL protocol")
		}
	}
	if len(cfg.AggregatorEndpoints) == 0 {
		return errors.New("aggregator_endpoints is empty")
	}
	for _, endpoint := range cfg.AggregatorEndpoints {
		if err := validateURLWithCache(endpoint, "http"); err != nil {
			return errors.New("invalid aggregator endpoint URL")
		}
	}
	if cfg.MarketDataURL != "" {
		if err := validateURLWithCache(cfg.MarketDataURL, "http"); err != nil {
			return errors.New("invalid market data URL")
		}
	}
	if err := validateNumericParams(cfg); err != nil {
		return err
	}
	return validateLadder(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.MinLiquidityUSD < 0 {
		return errors.New("invalid min_liquidity_usd")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return errors.New("invalid poll_interval_seconds")
	}
	if cfg.MaxRetriesPerEndpoint < 0 {
		return errors.New("invalid max_retries_per_endpoint")
	}
	if cfg.MaxConcurrentPositions <= 0 {
		return errors.New("invalid max_concurrent_positions")
	}
	if cfg.ConfirmationTimeoutSecs <= 0 {
		return errors.New("invalid confirmation_timeout_seconds")
	}
	if cfg.BuyAmountSOL < 0 {
		return errors.New("invalid buy_amount_sol")
	}
	return nil
}

// validateLadder enforces that tiers increase strictly in both price
// multiplier and cumulative sell fraction, and that the stop-loss
// multiplier sits below entry.
func validateLadder(cfg *Config) error {
	if cfg.StopLossMultiplier <= 0 || cfg.StopLossMultiplier >= 1 {
		return errors.New("stop_loss_multiplier must be in (0, 1)")
	}
	if len(cfg.TierLadder) == 0 {
		return errors.New("tier_ladder is empty")
	}
	prevMult, prevFrac := 1.0, 0.0
	for i, tier := range cfg.TierLadder {
		if tier.PriceMultiplier <= prevMult {
			return fmt.Errorf("tier %d: price_multiplier must be strictly increasing and above 1", i)
		}
		if tier.CumulativeSellFraction <= prevFrac {
			return fmt.Errorf("tier %d: cumulative_sell_fraction must be strictly increasing", i)
		}
		if tier.CumulativeSellFraction > 1.0 {
			return fmt.Errorf("tier %d: cumulative_sell_fraction exceeds 1.0", i)
		}
		prevMult, prevFrac = tier.PriceMultiplier, tier.CumulativeSellFraction
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("AUTOTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if key := v.GetString("WALLET_PRIVATE_KEY"); key != "" {
		cfg.WalletPrivateKey = key
	}
	if pgURL := v.GetString("POSTGRES_URL"); pgURL != "" {
		cfg.PostgresURL = pgURL
	}

	envRPCList := v.GetString("RPC_LIST")
	if envRPCList != "" {
		rpcs := strings.Split(envRPCList, ",")
		var cleanRPCs []string
		for _, rpc := range rpcs {
			clean := strings.TrimSpace(rpc)
			if clean != "" {
				cleanRPCs = append(cleanRPCs, clean)
			}
		}
		if len(cleanRPCs) > 0 {
			cfg.RPCList = cleanRPCs
		}
	}
	return nil
}
