package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath string
	Debug      bool
	Timeout    string
	Retries    int
}

// Settings is the fully resolved runtime configuration: defaults, then the
// optional yaml file, then environment, then flags.
type Settings struct {
	Debug bool

	TelegramToken string

	RPCURL          string
	Commitment      string
	AggregatorBase  string
	AggregatorKey   string
	MarketDataBase  string
	RevenueWallet   string
	Timeout         time.Duration
	Retries         int
	SubmitRetries   int
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration

	StorePath     string
	StoreLockPath string

	DefaultSlippageBps int
	DefaultPriorityFee uint64
	TradeFeeBps        int
	ReferralShareBps   int
}

type fileConfig struct {
	Debug   *bool  `yaml:"debug"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Chain   struct {
		RPCURL     string `yaml:"rpc_url"`
		Commitment string `yaml:"commitment"`
	} `yaml:"chain"`
	Aggregator struct {
		BaseURL   string `yaml:"base_url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"aggregator"`
	MarketData struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"market_data"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Trading struct {
		DefaultSlippageBps *int    `yaml:"default_slippage_bps"`
		DefaultPriorityFee *uint64 `yaml:"default_priority_fee_lamports"`
		FeeBps             *int    `yaml:"fee_bps"`
		ReferralShareBps   *int    `yaml:"referral_share_bps"`
		RevenueWallet      string  `yaml:"revenue_wallet"`
	} `yaml:"trading"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.DefaultSlippageBps < 0 || settings.DefaultSlippageBps > 10000 {
		return Settings{}, fmt.Errorf("default slippage %d bps out of range", settings.DefaultSlippageBps)
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Settings{}, fmt.Errorf("resolve home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".miintradar")
	return Settings{
		RPCURL:          "https://api.mainnet-beta.solana.com",
		Commitment:      "confirmed",
		AggregatorBase:  "https://lite-api.jup.ag/swap/v1",
		MarketDataBase:  "https://api.dexscreener.com",
		Timeout:         10 * time.Second,
		Retries:         1,
		SubmitRetries:   2,
		ConfirmTimeout:  60 * time.Second,
		ConfirmInterval: 2 * time.Second,
		StorePath:       filepath.Join(dataDir, "profiles.db"),
		StoreLockPath:   filepath.Join(dataDir, "profiles.lock"),

		DefaultSlippageBps: 1500,
		DefaultPriorityFee: 1_000_000, // 0.001 SOL
		TradeFeeBps:        100,
		ReferralShareBps:   3000,
	}, nil
}

func resolveConfigPath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil
	}
	candidate := filepath.Join(home, ".miintradar", "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", nil
}

func applyFileConfig(path string, settings *Settings) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Debug != nil {
		settings.Debug = *cfg.Debug
	}
	if strings.TrimSpace(cfg.Timeout) != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("parse timeout %q: %w", cfg.Timeout, err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if v := strings.TrimSpace(cfg.Chain.RPCURL); v != "" {
		settings.RPCURL = v
	}
	if v := strings.TrimSpace(cfg.Chain.Commitment); v != "" {
		settings.Commitment = v
	}
	if v := strings.TrimSpace(cfg.Aggregator.BaseURL); v != "" {
		settings.AggregatorBase = v
	}
	if v := strings.TrimSpace(cfg.Aggregator.APIKey); v != "" {
		settings.AggregatorKey = v
	}
	if envName := strings.TrimSpace(cfg.Aggregator.APIKeyEnv); envName != "" {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			settings.AggregatorKey = v
		}
	}
	if v := strings.TrimSpace(cfg.MarketData.BaseURL); v != "" {
		settings.MarketDataBase = v
	}
	if v := strings.TrimSpace(cfg.Store.Path); v != "" {
		settings.StorePath = v
	}
	if v := strings.TrimSpace(cfg.Store.LockPath); v != "" {
		settings.StoreLockPath = v
	}
	if cfg.Trading.DefaultSlippageBps != nil {
		settings.DefaultSlippageBps = *cfg.Trading.DefaultSlippageBps
	}
	if cfg.Trading.DefaultPriorityFee != nil {
		settings.DefaultPriorityFee = *cfg.Trading.DefaultPriorityFee
	}
	if cfg.Trading.FeeBps != nil {
		settings.TradeFeeBps = *cfg.Trading.FeeBps
	}
	if cfg.Trading.ReferralShareBps != nil {
		settings.ReferralShareBps = *cfg.Trading.ReferralShareBps
	}
	if v := strings.TrimSpace(cfg.Trading.RevenueWallet); v != "" {
		settings.RevenueWallet = v
	}
	return nil
}

func applyEnv(settings *Settings) {
	if v := strings.TrimSpace(os.Getenv("MIINT_TELEGRAM_TOKEN")); v != "" {
		settings.TelegramToken = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_RPC_URL")); v != "" {
		settings.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_AGGREGATOR_URL")); v != "" {
		settings.AggregatorBase = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_AGGREGATOR_API_KEY")); v != "" {
		settings.AggregatorKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_MARKET_DATA_URL")); v != "" {
		settings.MarketDataBase = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_REVENUE_WALLET")); v != "" {
		settings.RevenueWallet = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_STORE_PATH")); v != "" {
		settings.StorePath = v
	}
	if v := strings.TrimSpace(os.Getenv("MIINT_DEBUG")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			settings.Debug = parsed
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.Debug {
		settings.Debug = true
	}
	if strings.TrimSpace(flags.Timeout) != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return errors.Join(fmt.Errorf("parse --timeout %q", flags.Timeout), err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	return nil
}
