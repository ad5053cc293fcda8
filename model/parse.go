package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidationError reports a malformed operation field. It is resolved locally;
// no chain interaction happens before all fields pass.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// RawUserOperation carries operation fields exactly as they arrive on the
// wire. Values may be hex strings, decimal strings or JSON numbers; nothing
// is trusted until ParseUserOperation has normalized it.
type RawUserOperation struct {
	Sender               any `json:"sender"               mapstructure:"sender"`
	Nonce                any `json:"nonce"                mapstructure:"nonce"`
	InitCode             any `json:"initCode"             mapstructure:"initCode"`
	CallData             any `json:"callData"             mapstructure:"callData"`
	CallGasLimit         any `json:"callGasLimit"         mapstructure:"callGasLimit"`
	VerificationGasLimit any `json:"verificationGasLimit" mapstructure:"verificationGasLimit"`
	PreVerificationGas   any `json:"preVerificationGas"   mapstructure:"preVerificationGas"`
	MaxFeePerGas         any `json:"maxFeePerGas"         mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas any `json:"maxPriorityFeePerGas" mapstructure:"maxPriorityFeePerGas"`
	PaymasterAndData     any `json:"paymasterAndData"     mapstructure:"paymasterAndData"`
	Signature            any `json:"signature"            mapstructure:"signature"`
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseUserOperation normalizes a raw operation into canonical in-memory form.
// It is side-effect free and never touches the chain. The returned operation
// has a fresh id and Created status but belongs to no bundle yet.
func ParseUserOperation(raw *RawUserOperation) (*UserOperation, error) {
	sender, err := parseAddress("sender", raw.Sender)
	if err != nil {
		return nil, err
	}
	if sender == (common.Address{}) {
		return nil, &ValidationError{Field: "sender", Reason: "0x0 address is not allowed"}
	}

	op := &UserOperation{
		ID:     GenerateID(),
		Sender: sender,
		Status: StatusCreated,
	}

	for _, f := range []struct {
		name string
		dst  **big.Int
		src  any
	}{
		{"nonce", &op.Nonce, raw.Nonce},
		{"callGasLimit", &op.CallGasLimit, raw.CallGasLimit},
		{"verificationGasLimit", &op.VerificationGasLimit, raw.VerificationGasLimit},
		{"preVerificationGas", &op.PreVerificationGas, raw.PreVerificationGas},
		{"maxFeePerGas", &op.MaxFeePerGas, raw.MaxFeePerGas},
		{"maxPriorityFeePerGas", &op.MaxPriorityFeePerGas, raw.MaxPriorityFeePerGas},
	} {
		if *f.dst, err = parseUint256(f.name, f.src); err != nil {
			return nil, err
		}
	}

	for _, f := range []struct {
		name string
		dst  *[]byte
		src  any
	}{
		{"initCode", &op.InitCode, raw.InitCode},
		{"callData", &op.CallData, raw.CallData},
		{"paymasterAndData", &op.PaymasterAndData, raw.PaymasterAndData},
		{"signature", &op.Signature, raw.Signature},
	} {
		if *f.dst, err = parseHexBytes(f.name, f.src); err != nil {
			return nil, err
		}
	}

	// The entry point expects a 65-byte ECDSA signature when one is attached
	if len(op.Signature) > 0 && len(op.Signature) != 65 {
		return nil, &ValidationError{Field: "signature", Reason: fmt.Sprintf("expected 65 bytes, got %d", len(op.Signature))}
	}

	return op, nil
}

// parseAddress validates a 20-byte hex address. Mixed-case input must carry a
// valid EIP-55 checksum; all-lowercase or all-uppercase input is accepted as
// the unchecksummed form.
func parseAddress(field string, v any) (common.Address, error) {
	s, ok := v.(string)
	if !ok {
		return common.Address{}, &ValidationError{Field: field, Reason: "address must be a string"}
	}

	if !common.IsHexAddress(s) {
		return common.Address{}, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a hex address", s)}
	}

	addr := common.HexToAddress(s)

	body := strings.TrimPrefix(s, "0x")
	hasLower := strings.ContainsAny(body, "abcdef")
	hasUpper := strings.ContainsAny(body, "ABCDEF")
	if hasLower && hasUpper && s != addr.Hex() {
		return common.Address{}, &ValidationError{Field: field, Reason: fmt.Sprintf("address %s is not checksummed", s)}
	}

	return addr, nil
}

// parseHexBytes accepts an optionally 0x-prefixed hex string. Empty, "0x" and
// nil all normalize to empty bytes.
func parseHexBytes(field string, v any) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}

	s, ok := v.(string)
	if !ok {
		return nil, &ValidationError{Field: field, Reason: "byte field must be a hex string"}
	}

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return []byte{}, nil
	}

	if len(s)%2 != 0 {
		return nil, &ValidationError{Field: field, Reason: "odd-length hex string"}
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &ValidationError{Field: field, Reason: "not a hexadecimal value"}
	}

	return b, nil
}

// parseUint256 accepts a 0x-prefixed hex string, a decimal string or a JSON
// number, and rejects negatives and anything above 2^256-1.
func parseUint256(field string, v any) (*big.Int, error) {
	var n *big.Int

	switch t := v.(type) {
	case nil:
		n = big.NewInt(0)

	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "0x" {
			n = big.NewInt(0)
			break
		}

		var ok bool
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "-0x") {
			// SetString keeps the sign, so "-0x5" parses to -5 and trips
			// the negativity check below.
			n, ok = new(big.Int).SetString(strings.Replace(s, "0x", "", 1), 16)
		} else {
			n, ok = new(big.Int).SetString(s, 10)
		}
		if !ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", s)}
		}

	case json.Number:
		var ok bool
		n, ok = new(big.Int).SetString(t.String(), 10)
		if !ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not an integer", t.String())}
		}

	case float64:
		if t != float64(int64(t)) {
			return nil, &ValidationError{Field: field, Reason: "number is not an integer"}
		}
		n = big.NewInt(int64(t))

	case int:
		n = big.NewInt(int64(t))

	case int64:
		n = big.NewInt(t)

	case uint64:
		n = new(big.Int).SetUint64(t)

	default:
		return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported type %T", v)}
	}

	if n.Sign() < 0 {
		return nil, &ValidationError{Field: field, Reason: "negative value"}
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, &ValidationError{Field: field, Reason: "value overflows uint256"}
	}

	return n, nil
}
