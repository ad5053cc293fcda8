package bundler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-bundler/core/gas"
	"github.com/AvaProtocol/userop-bundler/core/paymaster"
	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/storage"
)

func rawOpParam() map[string]interface{} {
	return map[string]interface{}{
		"sender":               "0xe0f7D11FD714674722d325Cd86062A5F1882E13a",
		"nonce":                "0x1",
		"initCode":             "0x",
		"callData":             "0x",
		"callGasLimit":         "0x0",
		"verificationGasLimit": "0x0",
		"preVerificationGas":   "0x0",
		"maxFeePerGas":         "0x0",
		"maxPriorityFeePerGas": "0x0",
		"paymasterAndData":     "0x",
		"signature":            "0x",
	}
}

func TestDecodeOperationAssignsID(t *testing.T) {
	op, err := decodeOperation(rawOpParam())
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, "0xe0f7D11FD714674722d325Cd86062A5F1882E13a", op.Sender.Hex())
	assert.Equal(t, int64(1), op.Nonce.Int64())
}

func TestDecodeOperationRejectsBadInput(t *testing.T) {
	param := rawOpParam()
	param["sender"] = "not-an-address"

	_, err := decodeOperation(param)
	var validation *model.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestOperationsParamShapes(t *testing.T) {
	// one operation per params entry
	ops, err := operationsParam([]interface{}{rawOpParam(), rawOpParam()})
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	// an array of operations as the first entry
	ops, err = operationsParam([]interface{}{
		[]interface{}{rawOpParam(), rawOpParam(), rawOpParam()},
	})
	require.NoError(t, err)
	assert.Len(t, ops, 3)

	_, err = operationsParam(nil)
	assert.Error(t, err)
}

func TestAddressParam(t *testing.T) {
	params := []interface{}{rawOpParam(), "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"}

	addr, err := addressParam(params, 1)
	require.NoError(t, err)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", addr.Hex())

	_, err = addressParam(params, 2)
	assert.Error(t, err)
	_, err = addressParam([]interface{}{"nope"}, 0)
	assert.Error(t, err)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&methodNotFoundError{method: "eth_unknown"}, codeMethodNotFound},
		{&model.ValidationError{Field: "sender", Reason: "bad checksum"}, codeInvalidParams},
		{&paymaster.UnsupportedTokenError{}, codeInvalidParams},
		{&gas.SimulationRevertError{Reason: "AA23 reverted"}, codeExecutionReverted},
		{&paymaster.PriceSourceError{Source: "x", Err: errors.New("down")}, codeUpstreamUnavailable},
		{&paymaster.HashComputationError{Err: errors.New("rpc")}, codeUpstreamUnavailable},
		{errors.New("anything else"), codeInternal},
	}

	for _, tc := range tests {
		got := toRPCError(tc.err)
		assert.Equal(t, tc.code, got.Code, tc.err.Error())
		assert.NotEmpty(t, got.Message)
	}
}

func TestWireStatus(t *testing.T) {
	assert.Equal(t, "success", wireStatus(model.StatusSuccessful))
	assert.Equal(t, "pending", wireStatus(model.StatusPending))
	assert.Equal(t, "failed", wireStatus(model.StatusFailure))
}

type recordStore struct {
	data map[string][]byte
}

func newRecordStore() *recordStore {
	return &recordStore{data: make(map[string][]byte)}
}

func (r *recordStore) Close() error { return nil }
func (r *recordStore) GetKey(key []byte) ([]byte, error) {
	v, ok := r.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}
func (r *recordStore) GetByPrefix(prefix []byte) ([]*storage.KeyValueItem, error) {
	var items []*storage.KeyValueItem
	for k, v := range r.data {
		if strings.HasPrefix(k, string(prefix)) {
			items = append(items, &storage.KeyValueItem{Key: []byte(k), Value: v})
		}
	}
	return items, nil
}
func (r *recordStore) CountKeysByPrefix(prefix []byte) (int64, error) {
	items, err := r.GetByPrefix(prefix)
	return int64(len(items)), err
}
func (r *recordStore) BatchWrite(updates map[string][]byte) error {
	for k, v := range updates {
		r.data[k] = v
	}
	return nil
}
func (r *recordStore) Vacuum() error  { return nil }
func (r *recordStore) DbPath() string { return "" }

// seedBundle persists one finished bundle with a single member operation.
func seedBundle(t *testing.T, db *recordStore) (*model.Bundle, *model.UserOperation) {
	t.Helper()

	op, err := decodeOperation(rawOpParam())
	require.NoError(t, err)

	bundle := model.NewBundle(common.HexToAddress("0xC60ccB2d8805B5b41355Abe9D13B4e2A4E883b99"), []*model.UserOperation{op})
	bundle.Status = model.StatusSuccessful
	bundle.TxHash = "0x01"
	op.Status = model.StatusSuccessful

	bundleData, err := bundle.ToJSON()
	require.NoError(t, err)
	opData, err := op.ToJSON()
	require.NoError(t, err)

	require.NoError(t, db.BatchWrite(map[string][]byte{
		string(bundle.StorageKey()): bundleData,
		string(op.StorageKey()):     opData,
	}))

	return bundle, op
}

func TestGetBundleReturnsPersistedRecords(t *testing.T) {
	db := newRecordStore()
	b := &Bundler{db: db}
	bundle, op := seedBundle(t, db)

	result, err := b.dispatch(context.Background(), "bundler_getBundle", []interface{}{bundle.ID})
	require.NoError(t, err)

	payload := result.(map[string]interface{})
	got := payload["bundle"].(*model.Bundle)
	assert.Equal(t, bundle.ID, got.ID)
	assert.Equal(t, model.StatusSuccessful, got.Status)
	assert.Equal(t, "0x01", got.TxHash)

	ops := payload["operations"].([]*model.UserOperation)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Equal(t, bundle.ID, ops[0].BundleID)
}

func TestGetOperationByID(t *testing.T) {
	db := newRecordStore()
	b := &Bundler{db: db}
	_, op := seedBundle(t, db)

	result, err := b.dispatch(context.Background(), "bundler_getOperation", []interface{}{op.ID})
	require.NoError(t, err)

	got := result.(*model.UserOperation)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, op.Sender, got.Sender)
	assert.Equal(t, model.StatusSuccessful, got.Status)
}

func TestGetRecordUnknownID(t *testing.T) {
	b := &Bundler{db: newRecordStore()}

	var validation *model.ValidationError
	_, err := b.dispatch(context.Background(), "bundler_getOperation", []interface{}{model.GenerateID()})
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "id", validation.Field)

	_, err = b.dispatch(context.Background(), "bundler_getBundle", []interface{}{model.GenerateID()})
	require.ErrorAs(t, err, &validation)

	_, err = b.dispatch(context.Background(), "bundler_getBundle", nil)
	require.ErrorAs(t, err, &validation)
}

func TestListBundles(t *testing.T) {
	db := newRecordStore()
	b := &Bundler{db: db}
	bundle, _ := seedBundle(t, db)

	result, err := b.dispatch(context.Background(), "bundler_listBundles", nil)
	require.NoError(t, err)

	payload := result.(map[string]interface{})
	bundles := payload["bundles"].([]*model.Bundle)
	require.Len(t, bundles, 1)
	assert.Equal(t, bundle.ID, bundles[0].ID)
	assert.Equal(t, int64(1), payload["totalOperations"])
}
