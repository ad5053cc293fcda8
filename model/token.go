package model

import (
	"github.com/ethereum/go-ethereum/common"
)

// ApprovedToken is one sponsorship-eligible ERC-20 token on a specific chain.
// The record is read-only here; its lifecycle is owned by an external
// administrative process.
type ApprovedToken struct {
	Address common.Address

	// Enabled gates sponsorship per chain without removing the record
	Enabled bool

	// RateSource is the HTTP endpoint returning the token/ETH exchange rate
	RateSource string

	// Decimals of the ERC-20 token, used to scale the fee into token units
	Decimals uint8
}
