// Package gasprice suggests maxFeePerGas/maxPriorityFeePerGas for a chain,
// either from a fee oracle HTTP endpoint keyed by chain id or from a fixed
// per-chain override table for low-activity chains where the oracle has no
// meaningful signal.
package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/userop-bundler/pkg/logger"
)

type FeePair struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FixedFees is the configuration-driven override for one chain, in gwei.
// Decimal strings so fractional gwei survives yaml round-trips.
type FixedFees struct {
	MaxFeePerGasGwei         string `yaml:"max_fee_per_gas_gwei"`
	MaxPriorityFeePerGasGwei string `yaml:"max_priority_fee_per_gas_gwei"`
}

// suggestedFeesResponse mirrors the oracle's suggestedGasFees schema
type suggestedFeesResponse struct {
	Medium struct {
		SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
		SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
	} `json:"medium"`
}

type Oracle struct {
	httpClient *resty.Client
	baseURL    string
	chainID    uint64
	overrides  map[uint64]FixedFees
	logger     logger.Logger
}

func NewOracle(baseURL string, chainID uint64, overrides map[uint64]FixedFees, lgr logger.Logger) *Oracle {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Oracle{
		httpClient: client,
		baseURL:    baseURL,
		chainID:    chainID,
		overrides:  overrides,
		logger:     logger.EnsureLogger(lgr),
	}
}

// Suggest returns the fee pair for the oracle's chain. A configured override
// wins over a live fetch; a fetch failure is returned to the caller, which
// owns any node-derived fallback.
func (o *Oracle) Suggest(ctx context.Context) (*FeePair, error) {
	if fixed, ok := o.overrides[o.chainID]; ok {
		return fixedToPair(fixed)
	}

	var out suggestedFeesResponse
	resp, err := o.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("%s/networks/%d/suggestedGasFees", o.baseURL, o.chainID))
	if err != nil {
		return nil, fmt.Errorf("gas oracle fetch: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gas oracle returned %s", resp.Status())
	}

	maxFee, err := gweiToWei(out.Medium.SuggestedMaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("gas oracle maxFeePerGas: %w", err)
	}
	tip, err := gweiToWei(out.Medium.SuggestedMaxPriorityFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("gas oracle maxPriorityFeePerGas: %w", err)
	}

	o.logger.Debug("gas oracle suggestion", "chain", o.chainID, "maxFeePerGas", maxFee.String(), "maxPriorityFeePerGas", tip.String())

	return &FeePair{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func fixedToPair(fixed FixedFees) (*FeePair, error) {
	maxFee, err := gweiToWei(fixed.MaxFeePerGasGwei)
	if err != nil {
		return nil, fmt.Errorf("fee override max_fee_per_gas_gwei: %w", err)
	}
	tip, err := gweiToWei(fixed.MaxPriorityFeePerGasGwei)
	if err != nil {
		return nil, fmt.Errorf("fee override max_priority_fee_per_gas_gwei: %w", err)
	}
	return &FeePair{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// gweiToWei parses a decimal gwei string into wei, rounding up so a suggested
// fee is never quoted below what the source meant.
func gweiToWei(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%q is not a decimal number", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative fee %q", s)
	}

	return d.Shift(9).Ceil().BigInt(), nil
}
