package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const PaymentIDPlaceholder = "{PAYMENT_ID}"

// CheckoutConfig controls how checkout sessions are shaped.
type CheckoutConfig struct {
	Provider       string        `mapstructure:"provider"`
	SuccessURL     string        `mapstructure:"successUrl"`
	CancelURL      string        `mapstructure:"cancelUrl"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	SessionLockTTL time.Duration `mapstructure:"sessionLockTtl"`
}

func DefaultCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		Provider:       "stripe",
		SuccessURL:     "http://localhost:3000/payments/" + PaymentIDPlaceholder + "?checkout=success",
		CancelURL:      "http://localhost:3000/payments/" + PaymentIDPlaceholder + "?checkout=cancel",
		RequestTimeout: 10 * time.Second,
		SessionLockTTL: 30 * time.Second,
	}
}

// SuccessURLFor renders the success redirect for a payment.
func (c CheckoutConfig) SuccessURLFor(paymentID string) string {
	return strings.ReplaceAll(c.SuccessURL, PaymentIDPlaceholder, paymentID)
}

// CancelURLFor renders the cancel redirect for a payment.
func (c CheckoutConfig) CancelURLFor(paymentID string) string {
	return strings.ReplaceAll(c.CancelURL, PaymentIDPlaceholder, paymentID)
}

type CheckoutConfigHolder struct {
	current atomic.Value // holds CheckoutConfig
}

// NewStaticCheckoutConfig returns a holder that never reloads.
func NewStaticCheckoutConfig(cfg CheckoutConfig) *CheckoutConfigHolder {
	holder := &CheckoutConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCheckoutConfigHolder(log *zap.Logger) (*CheckoutConfigHolder, error) {
	log = log.Named("config.checkout")
	v := viper.New()

	v.SetConfigName("checkout")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/clientportal")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCheckoutConfig()
	v.SetDefault("checkout.provider", defaults.Provider)
	v.SetDefault("checkout.successUrl", defaults.SuccessURL)
	v.SetDefault("checkout.cancelUrl", defaults.CancelURL)
	v.SetDefault("checkout.requestTimeout", defaults.RequestTimeout)
	v.SetDefault("checkout.sessionLockTtl", defaults.SessionLockTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeCheckoutConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateCheckoutConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CheckoutConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCheckoutConfig(v)
		if err != nil {
			log.Warn("checkout config reload failed", zap.Error(err))
			return
		}
		if err := validateCheckoutConfig(updated); err != nil {
			log.Warn("invalid checkout config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("checkout config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

// decodeCheckoutConfig goes through Unmarshal so defaults fill keys missing from the file.
func decodeCheckoutConfig(v *viper.Viper) (CheckoutConfig, error) {
	var file struct {
		Checkout CheckoutConfig `mapstructure:"checkout"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return CheckoutConfig{}, err
	}
	return file.Checkout, nil
}

func (h *CheckoutConfigHolder) Get() CheckoutConfig {
	return h.current.Load().(CheckoutConfig)
}

func validateCheckoutConfig(cfg CheckoutConfig) error {
	if strings.TrimSpace(cfg.Provider) == "" {
		return errors.New("checkout.provider cannot be empty")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" {
		return errors.New("checkout.successUrl cannot be empty")
	}
	if strings.TrimSpace(cfg.CancelURL) == "" {
		return errors.New("checkout.cancelUrl cannot be empty")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("checkout.requestTimeout must be positive")
	}
	if cfg.SessionLockTTL <= 0 {
		return errors.New("checkout.sessionLockTtl must be positive")
	}
	return nil
}
