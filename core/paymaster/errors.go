package paymaster

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// UnsupportedTokenError reports a sponsorship request for a token that is not
// approved, or is disabled, on the current chain. Resolved locally, no chain
// call is made.
type UnsupportedTokenError struct {
	Token   common.Address
	ChainID uint64
}

func (e *UnsupportedTokenError) Error() string {
	return fmt.Sprintf("token %s is not approved for sponsorship on chain %d", e.Token.Hex(), e.ChainID)
}

// PriceSourceError reports that the token's exchange-rate source could not be
// reached or returned garbage. No sponsorship decision is possible and the
// request is not retried automatically.
type PriceSourceError struct {
	Source string
	Err    error
}

func (e *PriceSourceError) Error() string {
	return fmt.Sprintf("price source %s unavailable: %v", e.Source, e.Err)
}

func (e *PriceSourceError) Unwrap() error {
	return e.Err
}

// HashComputationError reports that the paymaster contract's getHash view call
// failed, so no authorization can be signed.
type HashComputationError struct {
	Err error
}

func (e *HashComputationError) Error() string {
	return fmt.Sprintf("paymaster hash computation failed: %v", e.Err)
}

func (e *HashComputationError) Unwrap() error {
	return e.Err
}
