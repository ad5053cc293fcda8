package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/pkg/logger"
)

// rateResponse is the shape every configured price source must answer with:
// how many whole tokens one ETH buys, as a decimal string.
type rateResponse struct {
	Rate string `json:"rate"`
}

// RateFetcher resolves exchange rates from each token's configured price
// source, with a short-lived cache so a burst of sponsorship requests does not
// hammer the source.
type RateFetcher struct {
	httpClient *resty.Client
	cache      *bigcache.BigCache
	logger     logger.Logger
}

func NewRateFetcher(ttl time.Duration, lgr logger.Logger) (*RateFetcher, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, fmt.Errorf("init rate cache: %w", err)
	}

	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &RateFetcher{
		httpClient: client,
		cache:      cache,
		logger:     logger.EnsureLogger(lgr),
	}, nil
}

// Rate returns the token's exchange rate in smallest units per one ETH,
// scaled by the token's decimals. A fetch or parse failure surfaces as
// PriceSourceError.
func (f *RateFetcher) Rate(ctx context.Context, token model.ApprovedToken) (*big.Int, error) {
	cacheKey := token.Address.Hex()
	if cached, err := f.cache.Get(cacheKey); err == nil {
		if rate, ok := new(big.Int).SetString(string(cached), 10); ok {
			return rate, nil
		}
	}

	var out rateResponse
	resp, err := f.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get(token.RateSource)
	if err != nil {
		return nil, &PriceSourceError{Source: token.RateSource, Err: err}
	}
	if resp.IsError() {
		return nil, &PriceSourceError{Source: token.RateSource, Err: fmt.Errorf("status %s", resp.Status())}
	}

	rate, err := scaleRate(out.Rate, token.Decimals)
	if err != nil {
		return nil, &PriceSourceError{Source: token.RateSource, Err: err}
	}

	if err := f.cache.Set(cacheKey, []byte(rate.String())); err != nil {
		f.logger.Debug("rate cache set failed", "token", cacheKey, "error", err.Error())
	}

	return rate, nil
}

// scaleRate converts a whole-token rate into smallest units, rounding up so a
// truncated rate cannot shave the collected fee.
func scaleRate(rate string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("rate %q is not a decimal number", rate)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("rate %q must be positive", rate)
	}

	return d.Shift(int32(decimals)).Ceil().BigInt(), nil
}
