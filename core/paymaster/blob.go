package paymaster

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// paymasterAndData layout, all fields big-endian and zero-padded:
//
//	[0:20]   token address
//	[20:21]  mode
//	[21:27]  validUntil (uint48)
//	[27:59]  fee (uint256)
//	[59:91]  exchangeRate (uint256)
//	[91:]    signature
//
// The widths must match what the on-chain verifier slices out; changing them
// without a coordinated contract upgrade silently breaks validation.
const (
	blobTokenLen      = 20
	blobModeLen       = 1
	blobValidUntilLen = 6
	blobFeeLen        = 32
	blobRateLen       = 32

	blobFixedLen = blobTokenLen + blobModeLen + blobValidUntilLen + blobFeeLen + blobRateLen
)

const maxValidUntil = uint64(1)<<48 - 1

// Authorization is the decoded form of a sponsorship payload.
type Authorization struct {
	Token        common.Address
	Mode         uint8
	ValidUntil   uint64
	Fee          *big.Int
	ExchangeRate *big.Int
	Signature    []byte
}

// Encode packs the authorization into the fixed-width wire layout.
func (a *Authorization) Encode() ([]byte, error) {
	if a.ValidUntil > maxValidUntil {
		return nil, fmt.Errorf("validUntil %d exceeds 48 bits", a.ValidUntil)
	}
	fee, err := uint256Bytes(a.Fee, "fee")
	if err != nil {
		return nil, err
	}
	rate, err := uint256Bytes(a.ExchangeRate, "exchangeRate")
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, blobFixedLen+len(a.Signature))
	out = append(out, a.Token.Bytes()...)
	out = append(out, a.Mode)

	var validUntil [blobValidUntilLen]byte
	for i := 0; i < blobValidUntilLen; i++ {
		validUntil[blobValidUntilLen-1-i] = byte(a.ValidUntil >> (8 * i))
	}
	out = append(out, validUntil[:]...)
	out = append(out, fee...)
	out = append(out, rate...)
	out = append(out, a.Signature...)

	return out, nil
}

// DecodeAuthorization is the inverse of Encode. Everything past the fixed
// prefix is the signature.
func DecodeAuthorization(data []byte) (*Authorization, error) {
	if len(data) < blobFixedLen {
		return nil, fmt.Errorf("authorization payload too short: %d bytes, want at least %d", len(data), blobFixedLen)
	}

	offset := 0
	token := common.BytesToAddress(data[offset : offset+blobTokenLen])
	offset += blobTokenLen

	mode := data[offset]
	offset += blobModeLen

	validUntil := uint64(0)
	for _, b := range data[offset : offset+blobValidUntilLen] {
		validUntil = validUntil<<8 | uint64(b)
	}
	offset += blobValidUntilLen

	fee := new(big.Int).SetBytes(data[offset : offset+blobFeeLen])
	offset += blobFeeLen

	rate := new(big.Int).SetBytes(data[offset : offset+blobRateLen])
	offset += blobRateLen

	signature := make([]byte, len(data)-offset)
	copy(signature, data[offset:])

	return &Authorization{
		Token:        token,
		Mode:         mode,
		ValidUntil:   validUntil,
		Fee:          fee,
		ExchangeRate: rate,
		Signature:    signature,
	}, nil
}

func uint256Bytes(v *big.Int, name string) ([]byte, error) {
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer", name)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%s exceeds 256 bits", name)
	}
	out := make([]byte, 32)
	v.FillBytes(out)
	return out, nil
}
