package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBackendURL  = "https://chaintv.onrender.com/api"
	DefaultPriceURL    = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"
	DefaultRPCEndpoint = "https://api.mainnet-beta.solana.com"
	DefaultFallbackUSD = "150"
)

// Config is the agent configuration.
type Config struct {
	Addr        string   `yaml:"addr"`
	DevMode     bool     `yaml:"devMode"`
	CORSOrigins []string `yaml:"corsOrigins"`
	MaxSessions int      `yaml:"maxSessionsPerClient"`

	BackendURL    string        `yaml:"backendUrl"`
	DescriptorTTL time.Duration `yaml:"descriptorTtl"`

	Price  Price  `yaml:"price"`
	Chain  Chain  `yaml:"chain"`
	Wallet Wallet `yaml:"wallet"`

	DBPath      string `yaml:"dbPath"`
	ReceiptsDir string `yaml:"receiptsDir"`
	S3          S3     `yaml:"s3"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

type Price struct {
	URL         string        `yaml:"url"`
	Interval    time.Duration `yaml:"interval"`
	FallbackUSD string        `yaml:"fallbackUsd"` // "0" disables the fallback
}

type Chain struct {
	RPCEndpoint    string        `yaml:"rpcEndpoint"`
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	Mock           bool          `yaml:"mock"`
}

type Wallet struct {
	Keypair     string `yaml:"keypair"` // solana-keygen JSON file
	Watch       string `yaml:"watch"`   // address only, cannot sign
	Mock        bool   `yaml:"mock"`
	AutoApprove bool   `yaml:"autoApprove"`
}

// S3 configures the optional receipt archive bucket.
type S3 struct {
	Endpoint string `yaml:"endpoint"`
	KeyID    string `yaml:"keyId"`
	AppKey   string `yaml:"appKey"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:          "127.0.0.1:8080",
		CORSOrigins:   []string{"http://localhost:3000"},
		MaxSessions:   8,
		BackendURL:    DefaultBackendURL,
		DescriptorTTL: 30 * time.Second,
		Price: Price{
			URL:         DefaultPriceURL,
			Interval:    30 * time.Second,
			FallbackUSD: DefaultFallbackUSD,
		},
		Chain: Chain{
			RPCEndpoint:    DefaultRPCEndpoint,
			ConfirmTimeout: 60 * time.Second,
			PollInterval:   2 * time.Second,
		},
		DBPath:    "chaintv.db",
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty), a .env file in the working directory and CHAINTV_*
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open configuration file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to load configuration file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("CHAINTV_ADDR", &c.Addr)
	boolean("CHAINTV_DEV", &c.DevMode)
	if v, ok := lookup("CHAINTV_CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = splitList(v)
	}
	str("CHAINTV_BACKEND_URL", &c.BackendURL)
	duration("CHAINTV_DESCRIPTOR_TTL", &c.DescriptorTTL)

	str("CHAINTV_PRICE_URL", &c.Price.URL)
	duration("CHAINTV_PRICE_INTERVAL", &c.Price.Interval)
	str("CHAINTV_PRICE_FALLBACK_USD", &c.Price.FallbackUSD)

	str("CHAINTV_RPC_ENDPOINT", &c.Chain.RPCEndpoint)
	duration("CHAINTV_CONFIRM_TIMEOUT", &c.Chain.ConfirmTimeout)
	duration("CHAINTV_POLL_INTERVAL", &c.Chain.PollInterval)
	boolean("CHAINTV_CHAIN_MOCK", &c.Chain.Mock)

	str("CHAINTV_WALLET_KEYPAIR", &c.Wallet.Keypair)
	str("CHAINTV_WALLET_WATCH", &c.Wallet.Watch)
	boolean("CHAINTV_WALLET_MOCK", &c.Wallet.Mock)
	boolean("CHAINTV_WALLET_AUTO_APPROVE", &c.Wallet.AutoApprove)

	str("CHAINTV_DB", &c.DBPath)
	str("CHAINTV_RECEIPTS_DIR", &c.ReceiptsDir)
	str("CHAINTV_S3_ENDPOINT", &c.S3.Endpoint)
	str("CHAINTV_S3_KEY_ID", &c.S3.KeyID)
	str("CHAINTV_S3_APP_KEY", &c.S3.AppKey)
	str("CHAINTV_S3_BUCKET", &c.S3.Bucket)
	str("CHAINTV_S3_PREFIX", &c.S3.Prefix)
	boolean("CHAINTV_S3_INSECURE", &c.S3.Insecure)

	str("CHAINTV_LOG_LEVEL", &c.LogLevel)
	str("CHAINTV_LOG_FORMAT", &c.LogFormat)

	return errors.Join(errs...)
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend URL is required")
	}
	if c.Price.Interval <= 0 {
		return errors.New("price interval must be positive")
	}
	if c.Chain.ConfirmTimeout <= 0 || c.Chain.PollInterval <= 0 {
		return errors.New("confirm timeout and poll interval must be positive")
	}
	if c.S3.Bucket != "" && c.S3.Endpoint == "" {
		return errors.New("s3 bucket is set but s3 endpoint is missing")
	}
	walletModes := 0
	for _, set := range []bool{c.Wallet.Keypair != "", c.Wallet.Watch != "", c.Wallet.Mock} {
		if set {
			walletModes++
		}
	}
	if walletModes > 1 {
		return errors.New("only one of wallet keypair, watch address or mock may be set")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
