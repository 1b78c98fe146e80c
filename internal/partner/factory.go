package partner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/config"
)

const (
	ModeSimulated  = "simulated"
	ModeProduction = "production"
)

// Config selects and tunes the partner implementation
type Config struct {
	Mode          string
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RateLimit     float64
	RateBurst     int
	RateCacheTTL  time.Duration
	FeePercentage decimal.Decimal
}

// NewConfig reads the partner section of the application config
func NewConfig(cfg *config.PartnerConfig) Config {
	return Config{
		Mode:          cfg.Mode,
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.Timeout,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		RateCacheTTL:  cfg.RateCacheTTL,
		FeePercentage: cfg.FeePercentage,
	}
}

// NewGateway returns the implementation named by cfg.Mode, wrapped in a rate cache when configured.
// book is only used by the simulated implementation.
func NewGateway(cfg Config, book *TransferBook, logger *slog.Logger) (Gateway, error) {
	var gw Gateway
	switch cfg.Mode {
	case ModeSimulated, "":
		gw = NewSimulatedGateway(SimulatedConfig{FeePercentage: cfg.FeePercentage}, book, logger)
	case ModeProduction:
		httpGw, err := NewHTTPGateway(HTTPConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		}, logger)
		if err != nil {
			return nil, err
		}
		gw = httpGw
	default:
		return nil, fmt.Errorf("unknown partner mode: %q", cfg.Mode)
	}

	if cfg.RateCacheTTL > 0 {
		gw = NewRateCache(gw, cfg.RateCacheTTL)
	}
	logger.Info("Partner gateway configured", "mode", cfg.Mode, "rate_cache_ttl", cfg.RateCacheTTL)
	return gw, nil
}
