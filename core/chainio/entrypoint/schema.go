package entrypoint

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-bundler/model"
)

// Entry-point contract versions with distinct UserOperation encodings. The
// legacy layout carries a separate paymaster address and paymasterData field;
// v0.6 combines both into paymasterAndData.
const (
	SchemaV06    = "v0.6"
	SchemaLegacy = "legacy"
)

// ErrSchemaMismatch is returned when the encoded operation does not line up
// with the schema's expected head/tail framing. This indicates the configured
// entry-point version does not match the encoder, and must surface as a
// configuration error rather than a silently wrong gas estimate.
var ErrSchemaMismatch = fmt.Errorf("userop encoding does not match entry point packing schema")

// PackingSchema describes how the deployed entry-point contract ABI-encodes a
// UserOperation, and which fields of that encoding are dynamic.
type PackingSchema struct {
	Version string

	args    abi.Arguments
	dynamic map[int]bool
}

var (
	typeAddress, _ = abi.NewType("address", "", nil)
	typeUint256, _ = abi.NewType("uint256", "", nil)
	typeBytes, _   = abi.NewType("bytes", "", nil)

	schemas = map[string]*PackingSchema{
		SchemaV06: {
			Version: SchemaV06,
			args: abi.Arguments{
				{Name: "sender", Type: typeAddress},
				{Name: "nonce", Type: typeUint256},
				{Name: "initCode", Type: typeBytes},
				{Name: "callData", Type: typeBytes},
				{Name: "callGasLimit", Type: typeUint256},
				{Name: "verificationGasLimit", Type: typeUint256},
				{Name: "preVerificationGas", Type: typeUint256},
				{Name: "maxFeePerGas", Type: typeUint256},
				{Name: "maxPriorityFeePerGas", Type: typeUint256},
				{Name: "paymasterAndData", Type: typeBytes},
				{Name: "signature", Type: typeBytes},
			},
			dynamic: map[int]bool{2: true, 3: true, 9: true, 10: true},
		},
		SchemaLegacy: {
			Version: SchemaLegacy,
			args: abi.Arguments{
				{Name: "sender", Type: typeAddress},
				{Name: "nonce", Type: typeUint256},
				{Name: "initCode", Type: typeBytes},
				{Name: "callData", Type: typeBytes},
				{Name: "callGas", Type: typeUint256},
				{Name: "verificationGas", Type: typeUint256},
				{Name: "preVerificationGas", Type: typeUint256},
				{Name: "maxFeePerGas", Type: typeUint256},
				{Name: "maxPriorityFeePerGas", Type: typeUint256},
				{Name: "paymaster", Type: typeAddress},
				{Name: "paymasterData", Type: typeBytes},
				{Name: "signature", Type: typeBytes},
			},
			dynamic: map[int]bool{2: true, 3: true, 10: true, 11: true},
		},
	}
)

// SchemaForVersion resolves a packing schema from the configured entry-point
// version. An unknown version is a configuration error.
func SchemaForVersion(version string) (*PackingSchema, error) {
	s, ok := schemas[version]
	if !ok {
		return nil, fmt.Errorf("unknown entry point version %q", version)
	}
	return s, nil
}

// values lays out the operation fields in schema order. preVerificationGas is
// packed as a zero placeholder so the pricing input does not depend on its own
// output.
func (s *PackingSchema) values(op *model.UserOperation) []interface{} {
	switch s.Version {
	case SchemaLegacy:
		paymaster := common.Address{}
		paymasterData := []byte{}
		if len(op.PaymasterAndData) >= common.AddressLength {
			paymaster = common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
			paymasterData = op.PaymasterAndData[common.AddressLength:]
		}
		return []interface{}{
			op.Sender, op.Nonce, op.InitCode, op.CallData,
			op.CallGasLimit, op.VerificationGasLimit, big.NewInt(0),
			op.MaxFeePerGas, op.MaxPriorityFeePerGas,
			paymaster, paymasterData, op.Signature,
		}
	default:
		return []interface{}{
			op.Sender, op.Nonce, op.InitCode, op.CallData,
			op.CallGasLimit, op.VerificationGasLimit, big.NewInt(0),
			op.MaxFeePerGas, op.MaxPriorityFeePerGas,
			op.PaymasterAndData, op.Signature,
		}
	}
}

// PackedPayload ABI-encodes the operation the way the entry point would, then
// strips the fixed framing (head offset words and per-field length words),
// leaving only the dynamic payload bytes the chain actually charges calldata
// gas for. The framing offsets read back from the encoding are verified
// against the schema; any disagreement returns ErrSchemaMismatch.
func (s *PackingSchema) PackedPayload(op *model.UserOperation) ([]byte, error) {
	packed, err := s.args.Pack(s.values(op)...)
	if err != nil {
		return nil, fmt.Errorf("abi pack userop: %w", err)
	}

	headLen := 32 * len(s.args)
	if len(packed) < headLen {
		return nil, ErrSchemaMismatch
	}

	payload := make([]byte, 0, len(packed)-headLen)
	next := headLen

	for i := range s.args {
		if !s.dynamic[i] {
			continue
		}

		offset := new(big.Int).SetBytes(packed[32*i : 32*i+32])
		if !offset.IsInt64() || offset.Int64() != int64(next) {
			return nil, ErrSchemaMismatch
		}
		if next+32 > len(packed) {
			return nil, ErrSchemaMismatch
		}

		length := new(big.Int).SetBytes(packed[next : next+32])
		if !length.IsInt64() {
			return nil, ErrSchemaMismatch
		}
		padded := (int(length.Int64()) + 31) / 32 * 32
		if next+32+padded > len(packed) {
			return nil, ErrSchemaMismatch
		}

		payload = append(payload, packed[next+32:next+32+padded]...)
		next += 32 + padded
	}

	if next != len(packed) {
		return nil, ErrSchemaMismatch
	}

	return payload, nil
}
