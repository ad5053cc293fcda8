package gas

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-bundler/core/chainio/entrypoint"
	"github.com/AvaProtocol/userop-bundler/model"
)

func emptyOp() *model.UserOperation {
	return &model.UserOperation{
		Sender:               common.HexToAddress("0xe0f7D11FD714674722d325Cd86062A5F1882E13a"),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(0),
		PreVerificationGas:   big.NewInt(0),
		MaxFeePerGas:         big.NewInt(0),
		MaxPriorityFeePerGas: big.NewInt(0),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}
}

func schemaV06(t *testing.T) *entrypoint.PackingSchema {
	t.Helper()
	schema, err := entrypoint.SchemaForVersion(entrypoint.SchemaV06)
	require.NoError(t, err)
	return schema
}

func TestPreVerificationGasEmptyOperation(t *testing.T) {
	got, err := PreVerificationGas(schemaV06(t), emptyOp(), 1)
	require.NoError(t, err)

	// no dynamic payload bytes, so only the intrinsic and per-op constants
	assert.Equal(t, big.NewInt(fixedBase+perOperationOverhead), got)
}

func TestPreVerificationGasDeterministic(t *testing.T) {
	op := emptyOp()
	op.CallData = bytes.Repeat([]byte{0xab, 0x00}, 40)
	op.Signature = bytes.Repeat([]byte{0x01}, 65)

	first, err := PreVerificationGas(schemaV06(t), op, 1)
	require.NoError(t, err)
	second, err := PreVerificationGas(schemaV06(t), op, 1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPreVerificationGasMonotonic(t *testing.T) {
	schema := schemaV06(t)
	op := emptyOp()
	base, err := PreVerificationGas(schema, op, 1)
	require.NoError(t, err)

	op.CallData = []byte{0xff}
	withNonZero, err := PreVerificationGas(schema, op, 1)
	require.NoError(t, err)
	assert.True(t, withNonZero.Cmp(base) > 0, "non-zero byte must not decrease the price")

	op.CallData = []byte{0x00}
	withZero, err := PreVerificationGas(schema, op, 1)
	require.NoError(t, err)
	diff := new(big.Int).Sub(withZero, base)
	assert.True(t, diff.Cmp(big.NewInt(zeroByteCost)) >= 0, "zero byte must add at least the zero-byte rate")
	assert.True(t, withNonZero.Cmp(withZero) >= 0)
}

func TestPreVerificationGasBundleAmortization(t *testing.T) {
	schema := schemaV06(t)
	op := emptyOp()

	single, err := PreVerificationGas(schema, op, 1)
	require.NoError(t, err)
	shared, err := PreVerificationGas(schema, op, 4)
	require.NoError(t, err)

	assert.True(t, shared.Cmp(single) < 0, "a larger bundle amortizes the intrinsic cost")
	assert.Equal(t, big.NewInt(fixedBase/4+perOperationOverhead), shared)

	_, err = PreVerificationGas(schema, op, 0)
	assert.Error(t, err)
}

func TestPreVerificationGasSchemaVariants(t *testing.T) {
	legacy, err := entrypoint.SchemaForVersion(entrypoint.SchemaLegacy)
	require.NoError(t, err)

	op := emptyOp()
	op.PaymasterAndData = append(
		common.HexToAddress("0x1234000000000000000000000000000000005678").Bytes(),
		0xde, 0xad,
	)

	v06Price, err := PreVerificationGas(schemaV06(t), op, 1)
	require.NoError(t, err)
	legacyPrice, err := PreVerificationGas(legacy, op, 1)
	require.NoError(t, err)

	// the legacy layout moves the paymaster address into the static head,
	// so its dynamic payload is strictly smaller
	assert.True(t, legacyPrice.Cmp(v06Price) < 0)
}

type estimateBackend struct {
	gas uint64
	err error
}

func (b *estimateBackend) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (b *estimateBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (b *estimateBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *estimateBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (b *estimateBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return b.gas, b.err
}
func (b *estimateBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (b *estimateBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
func (b *estimateBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func newTestEstimator(t *testing.T, backend *estimateBackend) *Estimator {
	t.Helper()
	ep, err := entrypoint.NewClient(
		common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		entrypoint.SchemaV06,
		backend,
	)
	require.NoError(t, err)
	return NewEstimator(backend, ep, nil, 0, nil)
}

func TestEstimateFillsAllComponents(t *testing.T) {
	est := newTestEstimator(t, &estimateBackend{gas: 72100})

	got, err := est.Estimate(context.Background(), emptyOp())
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(72100), got.CallGasLimit)
	assert.Equal(t, big.NewInt(DefaultVerificationGasLimit), got.VerificationGasLimit)
	assert.Equal(t, big.NewInt(fixedBase+perOperationOverhead), got.PreVerificationGas)
}

func TestCallGasLimitRevert(t *testing.T) {
	est := newTestEstimator(t, &estimateBackend{err: errors.New("execution reverted: AA23 reverted")})

	_, err := est.CallGasLimit(context.Background(), emptyOp())
	require.Error(t, err)

	var revert *SimulationRevertError
	require.ErrorAs(t, err, &revert)
	assert.Contains(t, revert.Reason, "AA23")
}
