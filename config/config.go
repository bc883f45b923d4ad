// Package config loads and validates the gateway configuration. The file is
// YAML; secrets may be supplied via environment variables instead of the
// file. Validation happens once at load and any problem is fatal: a gateway
// with a half-usable catalog would quote payments it cannot verify.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/basehealth/paygate"
)

// EVMNetwork configures one EVM chain the gateway can verify on.
type EVMNetwork struct {
	RPCURL           string `yaml:"rpcUrl" validate:"required,url"`
	PayTo            string `yaml:"payTo" validate:"required,len=42,startswith=0x"`
	ChainID          int64  `yaml:"chainId" validate:"required,gt=0"`
	MinConfirmations uint64 `yaml:"minConfirmations"`
}

// SolanaNetwork configures one Solana cluster.
type SolanaNetwork struct {
	RPCURL     string `yaml:"rpcUrl" validate:"required,url"`
	PayTo      string `yaml:"payTo" validate:"required"`
	Commitment string `yaml:"commitment" validate:"omitempty,oneof=processed confirmed finalized"`
}

// Processor configures the card payment processor.
type Processor struct {
	BaseURL       string `yaml:"baseUrl" validate:"omitempty,url"`
	SecretKey     string `yaml:"secretKey"`
	WebhookSecret string `yaml:"webhookSecret"`
}

// Tier is one catalog entry as written in the file. PayTo is optional and
// defaults to the network's configured recipient.
type Tier struct {
	Resource          string        `yaml:"resource" validate:"required"`
	Description       string        `yaml:"description"`
	MimeType          string        `yaml:"mimeType"`
	Price             string        `yaml:"price" validate:"required"`
	Decimals          int           `yaml:"decimals" validate:"gte=0,lte=18"`
	Scheme            string        `yaml:"scheme" validate:"required,oneof=exact intent"`
	Network           string        `yaml:"network" validate:"required"`
	Asset             string        `yaml:"asset"`
	PayTo             string        `yaml:"payTo"`
	MaxTimeoutSeconds int    `yaml:"maxTimeoutSeconds" validate:"required,gt=0"`
	// PassDuration is a Go duration string ("24h"); empty means a one-off
	// purchase.
	PassDuration string `yaml:"passDuration"`
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr string                   `yaml:"listenAddr" validate:"required"`
	LogLevel   string                   `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	DBPath     string                   `yaml:"dbPath" validate:"required"`
	MaxRetries int                      `yaml:"maxRetries" validate:"gte=0"`
	EVM        map[string]EVMNetwork    `yaml:"evm"`
	Solana     map[string]SolanaNetwork `yaml:"solana"`
	Processor  Processor                `yaml:"processor"`
	Catalog    []Tier                   `yaml:"catalog" validate:"required,min=1,dive"`
}

// Load reads, overlays, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, paygate.NewPaymentError(paygate.ErrCodeConfig,
			fmt.Sprintf("read config %s: %v", path, err))
	}

	cfg := &Config{
		ListenAddr: ":8402",
		LogLevel:   "info",
		DBPath:     "paygate.db",
		MaxRetries: 10,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, paygate.NewPaymentError(paygate.ErrCodeConfig,
			fmt.Sprintf("parse config %s: %v", path, err))
	}

	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayEnv lets secrets stay out of the file.
func (c *Config) overlayEnv() {
	if v := os.Getenv("PAYGATE_PROCESSOR_SECRET"); v != "" {
		c.Processor.SecretKey = v
	}
	if v := os.Getenv("PAYGATE_PROCESSOR_WEBHOOK_SECRET"); v != "" {
		c.Processor.WebhookSecret = v
	}
	if v := os.Getenv("PAYGATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PAYGATE_DB_PATH"); v != "" {
		c.DBPath = v
	}
}

// Validate checks field constraints and cross-references: every catalog tier
// must name a network the gateway can actually verify on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return paygate.NewPaymentError(paygate.ErrCodeConfig, err.Error())
	}

	for _, t := range c.Catalog {
		if t.PassDuration != "" {
			if _, err := time.ParseDuration(t.PassDuration); err != nil {
				return paygate.NewPaymentError(paygate.ErrCodeConfig,
					fmt.Sprintf("tier %q: invalid passDuration %q", t.Resource, t.PassDuration))
			}
		}
		network := paygate.Network(t.Network)
		switch {
		case network.IsEVM():
			net, ok := c.EVM[t.Network]
			if !ok {
				return paygate.NewPaymentError(paygate.ErrCodeConfig,
					fmt.Sprintf("tier %q uses network %q with no evm config", t.Resource, t.Network))
			}
			if t.PayTo == "" && net.PayTo == "" {
				return paygate.NewPaymentError(paygate.ErrCodeConfig,
					fmt.Sprintf("tier %q has no recipient", t.Resource))
			}
		case network.IsSolana():
			net, ok := c.Solana[t.Network]
			if !ok {
				return paygate.NewPaymentError(paygate.ErrCodeConfig,
					fmt.Sprintf("tier %q uses network %q with no solana config", t.Resource, t.Network))
			}
			if t.PayTo == "" && net.PayTo == "" {
				return paygate.NewPaymentError(paygate.ErrCodeConfig,
					fmt.Sprintf("tier %q has no recipient", t.Resource))
			}
		case network == paygate.NetworkCard:
			if c.Processor.BaseURL == "" || c.Processor.SecretKey == "" {
				return paygate.NewPaymentError(paygate.ErrCodeConfig,
					fmt.Sprintf("tier %q requires processor baseUrl and secretKey", t.Resource))
			}
		default:
			return paygate.NewPaymentError(paygate.ErrCodeConfig,
				fmt.Sprintf("tier %q uses unknown network %q", t.Resource, t.Network))
		}
	}
	return nil
}

// Tiers materializes the catalog into registry tiers, filling in network
// defaults for recipients.
func (c *Config) Tiers() []paygate.ResourceTier {
	out := make([]paygate.ResourceTier, 0, len(c.Catalog))
	for _, t := range c.Catalog {
		payTo := t.PayTo
		network := paygate.Network(t.Network)
		if payTo == "" {
			if network.IsEVM() {
				payTo = c.EVM[t.Network].PayTo
			} else if network.IsSolana() {
				payTo = c.Solana[t.Network].PayTo
			}
		}
		var passDuration time.Duration
		if t.PassDuration != "" {
			// Validated at load.
			passDuration, _ = time.ParseDuration(t.PassDuration)
		}
		out = append(out, paygate.ResourceTier{
			Resource:          t.Resource,
			Description:       t.Description,
			MimeType:          t.MimeType,
			Price:             t.Price,
			Decimals:          t.Decimals,
			Scheme:            paygate.Scheme(t.Scheme),
			Network:           network,
			Asset:             t.Asset,
			PayTo:             payTo,
			MaxTimeoutSeconds: t.MaxTimeoutSeconds,
			PassDuration:      passDuration,
		})
	}
	return out
}
