package paymaster

import (
	"fmt"
	"math/big"

	"github.com/AvaProtocol/userop-bundler/model"
)

var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// WorstCaseCost bounds the sponsor's ETH exposure for one operation. The 3x
// multiplier on verificationGasLimit covers the validation, paymaster
// validation and postOp phases, each of which may run the verification budget.
func WorstCaseCost(op *model.UserOperation) (*big.Int, error) {
	if op.CallGasLimit == nil || op.VerificationGasLimit == nil || op.PreVerificationGas == nil || op.MaxFeePerGas == nil {
		return nil, fmt.Errorf("operation is missing gas fields required for sponsorship pricing")
	}

	gas := new(big.Int).Set(op.CallGasLimit)
	gas.Add(gas, new(big.Int).Mul(big.NewInt(3), op.VerificationGasLimit))
	gas.Add(gas, op.PreVerificationGas)

	return gas.Mul(gas, op.MaxFeePerGas), nil
}

// TokenFee converts a wei cost into token smallest units at the given
// exchange rate (token smallest units per one ETH), rounding up so the
// sponsor never under-collects.
func TokenFee(costWei, exchangeRate *big.Int) (*big.Int, error) {
	if exchangeRate == nil || exchangeRate.Sign() <= 0 {
		return nil, fmt.Errorf("exchange rate must be positive")
	}

	fee := new(big.Int).Mul(costWei, exchangeRate)
	rem := new(big.Int)
	fee.DivMod(fee, weiPerEth, rem)
	if rem.Sign() > 0 {
		fee.Add(fee, big.NewInt(1))
	}
	return fee, nil
}
