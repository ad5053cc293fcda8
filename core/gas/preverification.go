package gas

import (
	"fmt"
	"math/big"

	"github.com/AvaProtocol/userop-bundler/core/chainio/entrypoint"
	"github.com/AvaProtocol/userop-bundler/model"
)

// Calldata pricing constants. fixedBase amortizes the transaction's intrinsic
// cost across the bundle; perOperationOverhead covers entry-point bookkeeping
// that simulation cannot observe.
const (
	fixedBase            = 21000
	perOperationOverhead = 18300
	perWordOverhead      = 4

	zeroByteCost    = 4
	nonZeroByteCost = 16
)

// PreVerificationGas prices the calldata overhead of one operation packed the
// way the configured entry point packs it. The result is a pure function of
// the operation bytes and bundleSize.
func PreVerificationGas(schema *entrypoint.PackingSchema, op *model.UserOperation, bundleSize int) (*big.Int, error) {
	if bundleSize < 1 {
		return nil, fmt.Errorf("bundle size must be at least 1, got %d", bundleSize)
	}

	payload, err := schema.PackedPayload(op)
	if err != nil {
		return nil, err
	}

	callDataCost := 0
	for _, b := range payload {
		if b == 0 {
			callDataCost += zeroByteCost
		} else {
			callDataCost += nonZeroByteCost
		}
	}

	words := (len(payload) + 31) / 32
	total := callDataCost + ceilDiv(fixedBase, bundleSize) + perOperationOverhead + perWordOverhead*words

	return big.NewInt(int64(total)), nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
