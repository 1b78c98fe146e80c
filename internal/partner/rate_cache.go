package partner

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// RateCache serves spot rates from memory for ttl, delegating everything else
type RateCache struct {
	Gateway
	cache *cache.Cache
}

// NewRateCache wraps next with a spot-rate cache
func NewRateCache(next Gateway, ttl time.Duration) *RateCache {
	return &RateCache{
		Gateway: next,
		cache:   cache.New(ttl, 2*ttl),
	}
}

func (c *RateCache) GetExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := strings.ToUpper(from) + "/" + strings.ToUpper(to)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(decimal.Decimal), nil
	}

	rate, err := c.Gateway.GetExchangeRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.SetDefault(key, rate)
	return rate, nil
}
