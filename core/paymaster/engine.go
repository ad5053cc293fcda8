// Package paymaster decides sponsorship eligibility, prices an operation's
// worst-case cost in an approved ERC-20 token, and signs the authorization
// payload the on-chain paymaster verifies.
package paymaster

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	paymasterio "github.com/AvaProtocol/userop-bundler/core/chainio/paymaster"
	"github.com/AvaProtocol/userop-bundler/core/chainio/signer"
	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/pkg/logger"
)

// ModeERC20 is the only sponsorship mode this paymaster issues: the fee is
// charged in the named token at the quoted exchange rate.
const ModeERC20 = uint8(0)

const defaultValidWindow = 3 * time.Minute

type Engine struct {
	chainID     uint64
	tokens      map[common.Address]model.ApprovedToken
	rates       *RateFetcher
	contract    *paymasterio.Client
	signingKey  *ecdsa.PrivateKey
	validWindow time.Duration
	logger      logger.Logger

	now func() time.Time
}

func NewEngine(
	chainID uint64,
	tokens []model.ApprovedToken,
	rates *RateFetcher,
	contract *paymasterio.Client,
	signingKey *ecdsa.PrivateKey,
	validWindow time.Duration,
	lgr logger.Logger,
) *Engine {
	if validWindow <= 0 {
		validWindow = defaultValidWindow
	}

	byAddress := make(map[common.Address]model.ApprovedToken, len(tokens))
	for _, t := range tokens {
		byAddress[t.Address] = t
	}

	return &Engine{
		chainID:     chainID,
		tokens:      byAddress,
		rates:       rates,
		contract:    contract,
		signingKey:  signingKey,
		validWindow: validWindow,
		logger:      logger.EnsureLogger(lgr),
		now:         time.Now,
	}
}

// Quote is the priced sponsorship decision for one operation, before signing.
type Quote struct {
	Token        model.ApprovedToken
	CostWei      *big.Int
	ExchangeRate *big.Int
	Fee          *big.Int
}

// lookupToken enforces eligibility locally. Disabled tokens behave exactly
// like unknown ones.
func (e *Engine) lookupToken(address common.Address) (model.ApprovedToken, error) {
	token, ok := e.tokens[address]
	if !ok || !token.Enabled {
		return model.ApprovedToken{}, &UnsupportedTokenError{Token: address, ChainID: e.chainID}
	}
	return token, nil
}

// QuoteOperation prices the operation's worst-case cost in the requested
// token. Pure apart from the rate fetch.
func (e *Engine) QuoteOperation(ctx context.Context, op *model.UserOperation, tokenAddress common.Address) (*Quote, error) {
	token, err := e.lookupToken(tokenAddress)
	if err != nil {
		return nil, err
	}

	cost, err := WorstCaseCost(op)
	if err != nil {
		return nil, err
	}

	rate, err := e.rates.Rate(ctx, token)
	if err != nil {
		return nil, err
	}

	fee, err := TokenFee(cost, rate)
	if err != nil {
		return nil, err
	}

	return &Quote{Token: token, CostWei: cost, ExchangeRate: rate, Fee: fee}, nil
}

// Sponsor runs the full flow for one operation: eligibility, pricing, the
// contract's canonical hash, and an EIP-191 signature over it. The returned
// bytes are the operation's paymasterAndData payload.
func (e *Engine) Sponsor(ctx context.Context, op *model.UserOperation, tokenAddress common.Address) ([]byte, error) {
	quote, err := e.QuoteOperation(ctx, op, tokenAddress)
	if err != nil {
		return nil, err
	}

	validUntil := uint64(e.now().Add(e.validWindow).Unix())

	hash, err := e.contract.GetHash(ctx, op, ModeERC20, quote.Token.Address, validUntil, quote.Fee, quote.ExchangeRate)
	if err != nil {
		return nil, &HashComputationError{Err: err}
	}

	signature, err := signer.SignMessage(e.signingKey, hash.Bytes())
	if err != nil {
		return nil, err
	}

	auth := &Authorization{
		Token:        quote.Token.Address,
		Mode:         ModeERC20,
		ValidUntil:   validUntil,
		Fee:          quote.Fee,
		ExchangeRate: quote.ExchangeRate,
		Signature:    signature,
	}

	e.logger.Info("sponsorship authorized",
		"sender", op.Sender.Hex(),
		"token", quote.Token.Address.Hex(),
		"fee", quote.Fee.String(),
		"validUntil", validUntil,
	)

	return auth.Encode()
}

// ApproveAmount sums the token fees a wallet should approve to cover the
// given operations. Used by clients to size a single ERC-20 approve call.
func (e *Engine) ApproveAmount(ctx context.Context, ops []*model.UserOperation, tokenAddress common.Address) (*big.Int, error) {
	total := big.NewInt(0)
	for _, op := range ops {
		quote, err := e.QuoteOperation(ctx, op, tokenAddress)
		if err != nil {
			return nil, err
		}
		total.Add(total, quote.Fee)
	}
	return total, nil
}

// ApprovedTokens lists the enabled tokens for the engine's chain in a stable
// order.
func (e *Engine) ApprovedTokens() []model.ApprovedToken {
	out := make([]model.ApprovedToken, 0, len(e.tokens))
	for _, t := range e.tokens {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// TokenRate pairs an approved token with its current exchange rate. A token
// whose rate source is down is listed with a nil rate rather than dropped.
type TokenRate struct {
	Token        model.ApprovedToken
	ExchangeRate *big.Int
}

func (e *Engine) ApprovedTokenRates(ctx context.Context) []TokenRate {
	tokens := e.ApprovedTokens()
	out := make([]TokenRate, 0, len(tokens))
	for _, t := range tokens {
		rate, err := e.rates.Rate(ctx, t)
		if err != nil {
			e.logger.Info("rate unavailable for approved token", "token", t.Address.Hex(), "error", err.Error())
			rate = nil
		}
		out = append(out, TokenRate{Token: t, ExchangeRate: rate})
	}
	return out
}

// ContractAddress is the on-chain paymaster the authorizations verify
// against.
func (e *Engine) ContractAddress() common.Address {
	return e.contract.Address()
}
