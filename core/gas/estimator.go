// Package gas derives the gas components and fee suggestion for a single
// UserOperation: a deterministic calldata price for preVerificationGas, a
// dry-run simulation for callGasLimit, a policy constant for
// verificationGasLimit, and oracle-backed fee suggestions with a node-derived
// fallback.
package gas

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"

	"github.com/AvaProtocol/userop-bundler/core/chainio"
	"github.com/AvaProtocol/userop-bundler/core/chainio/entrypoint"
	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/pkg/eip1559"
	"github.com/AvaProtocol/userop-bundler/pkg/gasprice"
	"github.com/AvaProtocol/userop-bundler/pkg/logger"
)

// DefaultVerificationGasLimit is the fallback policy constant when the
// configuration does not override it. Tuned upward over time as account
// validation logic grew.
const DefaultVerificationGasLimit = 645000

// Estimate is the full gas answer for one operation.
type Estimate struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

type Estimator struct {
	backend              chainio.Backend
	entryPoint           *entrypoint.Client
	oracle               *gasprice.Oracle
	verificationGasLimit *big.Int
	logger               logger.Logger
}

func NewEstimator(backend chainio.Backend, ep *entrypoint.Client, oracle *gasprice.Oracle, verificationGasLimit uint64, lgr logger.Logger) *Estimator {
	if verificationGasLimit == 0 {
		verificationGasLimit = DefaultVerificationGasLimit
	}
	return &Estimator{
		backend:              backend,
		entryPoint:           ep,
		oracle:               oracle,
		verificationGasLimit: new(big.Int).SetUint64(verificationGasLimit),
		logger:               logger.EnsureLogger(lgr),
	}
}

// Estimate fills in all three gas components for a single-operation bundle.
func (e *Estimator) Estimate(ctx context.Context, op *model.UserOperation) (*Estimate, error) {
	preVerification, err := PreVerificationGas(e.entryPoint.Schema(), op, 1)
	if err != nil {
		return nil, err
	}

	callGas, err := e.CallGasLimit(ctx, op)
	if err != nil {
		return nil, err
	}

	return &Estimate{
		CallGasLimit:         callGas,
		VerificationGasLimit: e.VerificationGasLimit(),
		PreVerificationGas:   preVerification,
	}, nil
}

// CallGasLimit dry-runs the operation's callData against the sender as the
// entry point would execute it. A revert is surfaced with the node's reason
// attached, never retried.
func (e *Estimator) CallGasLimit(ctx context.Context, op *model.UserOperation) (*big.Int, error) {
	from := e.entryPoint.Address()
	sender := op.Sender
	estimated, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &sender,
		Data: op.CallData,
	})
	if err != nil {
		e.logger.Info("callData dry run reverted", "sender", sender.Hex(), "error", err.Error())
		return nil, newSimulationRevertError(err)
	}

	return new(big.Int).SetUint64(estimated), nil
}

func (e *Estimator) VerificationGasLimit() *big.Int {
	return new(big.Int).Set(e.verificationGasLimit)
}

// SuggestFees asks the configured oracle first and falls back to deriving a
// fee pair from the node's own fee history when the oracle is unreachable.
func (e *Estimator) SuggestFees(ctx context.Context) (*gasprice.FeePair, error) {
	if e.oracle != nil {
		pair, err := e.oracle.Suggest(ctx)
		if err == nil {
			return pair, nil
		}
		e.logger.Info("gas oracle unavailable, deriving fees from node", "error", err.Error())
	}

	maxFee, tip, err := eip1559.SuggestFee(ctx, e.backend)
	if err != nil {
		return nil, err
	}
	return &gasprice.FeePair{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}
