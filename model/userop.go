package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusCreated    Status = "Created"
	StatusPending    Status = "Pending"
	StatusSuccessful Status = "Successful"
	StatusFailure    Status = "Failure"
)

// UserOperation is one user-authorized intent, normalized into canonical form:
// gas, fee and nonce fields are unsigned 256-bit integers, byte fields are raw
// bytes. An operation belongs to at most one bundle.
type UserOperation struct {
	ID string

	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte

	Status   Status
	BundleID string
}

// Generate a sorted unique id
func GenerateID() string {
	id := ulid.Make()

	return id.String()
}

// OperationKeyPrefix groups operation records so prefix scans and counts work
// without a secondary index.
const OperationKeyPrefix = "op:"

// OperationStorageKey is the badger key an operation record persists under
func OperationStorageKey(id string) []byte {
	return []byte(OperationKeyPrefix + id)
}

func (op *UserOperation) StorageKey() []byte {
	return OperationStorageKey(op.ID)
}

type userOpJSON struct {
	ID                   string `json:"id"`
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"init_code"`
	CallData             string `json:"call_data"`
	CallGasLimit         string `json:"call_gas_limit"`
	VerificationGasLimit string `json:"verification_gas_limit"`
	PreVerificationGas   string `json:"pre_verification_gas"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	PaymasterAndData     string `json:"paymaster_and_data"`
	Signature            string `json:"signature"`
	Status               Status `json:"status"`
	BundleID             string `json:"bundle_id,omitempty"`
}

// Return a compact json ready to persist to storage
func (op *UserOperation) ToJSON() ([]byte, error) {
	return json.Marshal(&userOpJSON{
		ID:                   op.ID,
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(op.CallGasLimit),
		VerificationGasLimit: hexutil.EncodeBig(op.VerificationGasLimit),
		PreVerificationGas:   hexutil.EncodeBig(op.PreVerificationGas),
		MaxFeePerGas:         hexutil.EncodeBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexutil.EncodeBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
		Status:               op.Status,
		BundleID:             op.BundleID,
	})
}

// UserOperationFromJSON loads an operation record previously written with ToJSON.
func UserOperationFromJSON(data []byte) (*UserOperation, error) {
	var j userOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}

	op := &UserOperation{
		ID:       j.ID,
		Sender:   common.HexToAddress(j.Sender),
		Status:   j.Status,
		BundleID: j.BundleID,
	}

	var err error
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&op.Nonce, j.Nonce},
		{&op.CallGasLimit, j.CallGasLimit},
		{&op.VerificationGasLimit, j.VerificationGasLimit},
		{&op.PreVerificationGas, j.PreVerificationGas},
		{&op.MaxFeePerGas, j.MaxFeePerGas},
		{&op.MaxPriorityFeePerGas, j.MaxPriorityFeePerGas},
	} {
		if *f.dst, err = hexutil.DecodeBig(f.src); err != nil {
			// zero encodes as "0x0" but tolerate "0x" from older records
			if f.src == "0x" {
				*f.dst = big.NewInt(0)
				continue
			}
			return nil, err
		}
	}

	for _, f := range []struct {
		dst *[]byte
		src string
	}{
		{&op.InitCode, j.InitCode},
		{&op.CallData, j.CallData},
		{&op.PaymasterAndData, j.PaymasterAndData},
		{&op.Signature, j.Signature},
	} {
		if *f.dst, err = hexutil.Decode(f.src); err != nil {
			return nil, err
		}
	}

	return op, nil
}
