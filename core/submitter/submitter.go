// Package submitter turns ready operations into an on-chain bundle
// transaction and tracks it through a bounded confirmation wait. It is the
// only component allowed to move Bundle and Operation statuses for a request
// it handles.
package submitter

import (
	"context"
	"crypto/ecdsa"
	"math"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/userop-bundler/core/chainio"
	"github.com/AvaProtocol/userop-bundler/core/chainio/entrypoint"
	"github.com/AvaProtocol/userop-bundler/metrics"
	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/pkg/gasprice"
	"github.com/AvaProtocol/userop-bundler/pkg/logger"
	"github.com/AvaProtocol/userop-bundler/storage"
)

const (
	defaultWaitTimeout  = 60 * time.Second
	defaultPollInterval = 3 * time.Second
)

// Config is the per-chain submission policy.
type Config struct {
	Beneficiary common.Address

	// FixedGasCeiling is used when the node refuses to estimate the bundle,
	// typically because one member operation reverts during simulation
	FixedGasCeiling uint64

	// LegacyFees switches the transaction to a single gasPrice field for
	// chains without a dynamic fee market
	LegacyFees bool

	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Result is the outcome reported back to the caller. Pending means the
// transaction was broadcast but no receipt arrived inside the wait window.
type Result struct {
	Bundle *model.Bundle
	Status model.Status
	TxHash string
}

type Submitter struct {
	backend    chainio.Backend
	entryPoint *entrypoint.Client
	db         storage.Storage
	signingKey *ecdsa.PrivateKey
	sender     common.Address
	chainID    *big.Int
	nonces     *NonceAllocator
	config     Config
	logger     logger.Logger
}

func New(
	backend chainio.Backend,
	ep *entrypoint.Client,
	db storage.Storage,
	signingKey *ecdsa.PrivateKey,
	sender common.Address,
	chainID *big.Int,
	config Config,
	lgr logger.Logger,
) *Submitter {
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaultWaitTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}

	return &Submitter{
		backend:    backend,
		entryPoint: ep,
		db:         db,
		signingKey: signingKey,
		sender:     sender,
		chainID:    chainID,
		nonces:     NewNonceAllocator(backend, sender),
		config:     config,
		logger:     logger.EnsureLogger(lgr),
	}
}

// Submit bundles the operations, broadcasts the handleOps transaction and
// waits for a receipt up to the configured window. A timed-out wait returns a
// Pending result with the transaction hash, not an error.
func (s *Submitter) Submit(ctx context.Context, ops []*model.UserOperation, fees *gasprice.FeePair) (*Result, error) {
	bundle := model.NewBundle(s.config.Beneficiary, ops)
	if err := s.persist(bundle, ops); err != nil {
		return nil, err
	}

	calldata, err := s.entryPoint.PackHandleOps(ops, bundle.Beneficiary)
	if err != nil {
		s.finish(bundle, ops, model.StatusFailure, "")
		return nil, &SubmissionError{BundleID: bundle.ID, Err: err}
	}

	gasLimit := s.gasCeiling(ctx, ops, calldata)

	var tx *types.Transaction
	err = s.nonces.WithNonce(ctx, func(nonce uint64) error {
		unsigned := s.buildTransaction(nonce, gasLimit, calldata, fees)

		signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(s.chainID), s.signingKey)
		if err != nil {
			return err
		}

		if err := s.backend.SendTransaction(ctx, signed); err != nil {
			return err
		}

		tx = signed
		return nil
	})
	if err != nil {
		s.finish(bundle, ops, model.StatusFailure, "")
		return nil, &SubmissionError{BundleID: bundle.ID, Err: err}
	}

	txHash := tx.Hash().Hex()
	s.logger.Info("bundle broadcast",
		"bundle", bundle.ID,
		"txHash", txHash,
		"operations", len(ops),
		"gasLimit", gasLimit,
	)

	status := s.waitForReceipt(ctx, tx.Hash())
	s.finish(bundle, ops, status, txHash)

	return &Result{Bundle: bundle, Status: status, TxHash: txHash}, nil
}

// gasCeiling picks the bundle's gas limit: the padded node estimate when the
// node will simulate it, the fixed policy ceiling when it will not, and never
// less than the sum of the members' declared budgets.
func (s *Submitter) gasCeiling(ctx context.Context, ops []*model.UserOperation, calldata []byte) uint64 {
	// Declared budgets are uint256 on the wire; sum in big.Int and clamp so
	// oversized values saturate instead of truncating.
	declaredTotal := lo.Reduce(ops, func(acc *big.Int, op *model.UserOperation, _ int) *big.Int {
		acc.Add(acc, op.CallGasLimit)
		acc.Add(acc, op.VerificationGasLimit)
		return acc.Add(acc, op.PreVerificationGas)
	}, new(big.Int))

	declared := uint64(math.MaxUint64)
	if declaredTotal.IsUint64() {
		declared = declaredTotal.Uint64()
	}

	entryPointAddr := s.entryPoint.Address()
	estimated, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: s.sender,
		To:   &entryPointAddr,
		Data: calldata,
	})
	if err != nil {
		s.logger.Info("bundle estimate failed, using fixed ceiling",
			"ceiling", s.config.FixedGasCeiling,
			"error", err.Error(),
		)
		estimated = s.config.FixedGasCeiling
	} else {
		// 40% headroom over the simulation
		estimated += estimated * 2 / 5
	}

	if declared > estimated {
		return declared
	}
	return estimated
}

func (s *Submitter) buildTransaction(nonce, gasLimit uint64, calldata []byte, fees *gasprice.FeePair) *types.Transaction {
	to := s.entryPoint.Address()

	if s.config.LegacyFees {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.MaxFeePerGas,
			Gas:      gasLimit,
			To:       &to,
			Data:     calldata,
		})
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &to,
		Data:      calldata,
	})
}

// waitForReceipt polls until the receipt arrives or the window closes. An
// absent receipt is a Pending outcome, never an error.
func (s *Submitter) waitForReceipt(ctx context.Context, txHash common.Hash) model.Status {
	deadline := time.After(s.config.WaitTimeout)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return model.StatusSuccessful
			}
			s.logger.Info("bundle transaction reverted", "txHash", txHash.Hex())
			return model.StatusFailure
		}

		select {
		case <-ctx.Done():
			return model.StatusPending
		case <-deadline:
			s.logger.Info("receipt wait timed out, bundle left pending", "txHash", txHash.Hex())
			return model.StatusPending
		case <-ticker.C:
		}
	}
}

// finish moves the bundle and every member operation to the same status in
// one transaction. Terminal bundles never disagree with their members.
func (s *Submitter) finish(bundle *model.Bundle, ops []*model.UserOperation, status model.Status, txHash string) {
	bundle.Status = status
	bundle.TxHash = txHash
	for _, op := range ops {
		op.Status = status
	}

	if err := s.persist(bundle, ops); err != nil {
		s.logger.Error("persist bundle outcome", "bundle", bundle.ID, "error", err.Error())
	}

	metrics.BundlesSubmitted.WithLabelValues(string(status)).Inc()
}

func (s *Submitter) persist(bundle *model.Bundle, ops []*model.UserOperation) error {
	updates := make(map[string][]byte, len(ops)+1)

	data, err := bundle.ToJSON()
	if err != nil {
		return err
	}
	updates[string(bundle.StorageKey())] = data

	for _, op := range ops {
		data, err := op.ToJSON()
		if err != nil {
			return err
		}
		updates[string(op.StorageKey())] = data
	}

	return s.db.BatchWrite(updates)
}
