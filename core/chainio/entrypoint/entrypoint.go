// Package entrypoint is the chain-contract client for the deployed ERC-4337
// entry point. All ABI and hash construction that depends on the contract's
// encoding schema lives here, selected by the configured contract version.
package entrypoint

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-bundler/core/chainio"
	"github.com/AvaProtocol/userop-bundler/model"
)

const entryPointABIV06 = `[
  {"inputs":[{"components":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"bytes","name":"initCode","type":"bytes"},{"internalType":"bytes","name":"callData","type":"bytes"},{"internalType":"uint256","name":"callGasLimit","type":"uint256"},{"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},{"internalType":"bytes","name":"signature","type":"bytes"}],"internalType":"struct UserOperation[]","name":"ops","type":"tuple[]"},{"internalType":"address payable","name":"beneficiary","type":"address"}],"name":"handleOps","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"components":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"bytes","name":"initCode","type":"bytes"},{"internalType":"bytes","name":"callData","type":"bytes"},{"internalType":"uint256","name":"callGasLimit","type":"uint256"},{"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},{"internalType":"bytes","name":"signature","type":"bytes"}],"internalType":"struct UserOperation","name":"userOp","type":"tuple"}],"name":"getUserOpHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

const entryPointABILegacy = `[
  {"inputs":[{"components":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"bytes","name":"initCode","type":"bytes"},{"internalType":"bytes","name":"callData","type":"bytes"},{"internalType":"uint256","name":"callGas","type":"uint256"},{"internalType":"uint256","name":"verificationGas","type":"uint256"},{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},{"internalType":"address","name":"paymaster","type":"address"},{"internalType":"bytes","name":"paymasterData","type":"bytes"},{"internalType":"bytes","name":"signature","type":"bytes"}],"internalType":"struct UserOperation[]","name":"ops","type":"tuple[]"},{"internalType":"address payable","name":"beneficiary","type":"address"}],"name":"handleOps","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"components":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"bytes","name":"initCode","type":"bytes"},{"internalType":"bytes","name":"callData","type":"bytes"},{"internalType":"uint256","name":"callGas","type":"uint256"},{"internalType":"uint256","name":"verificationGas","type":"uint256"},{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},{"internalType":"address","name":"paymaster","type":"address"},{"internalType":"bytes","name":"paymasterData","type":"bytes"},{"internalType":"bytes","name":"signature","type":"bytes"}],"internalType":"struct UserOperation","name":"userOp","type":"tuple"}],"name":"getRequestId","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

// userOpV06 mirrors the v0.6 tuple layout for abi packing
type userOpV06 struct {
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
}

// userOpLegacy mirrors the pre-v0.6 tuple layout with a separate paymaster field
type userOpLegacy struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGas              *big.Int
	VerificationGas      *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Paymaster            common.Address
	PaymasterData        []byte
	Signature            []byte
}

// Client talks to one deployed entry-point contract. Immutable after
// construction; safe for concurrent use.
type Client struct {
	address common.Address
	schema  *PackingSchema
	backend chainio.Backend

	abi        abi.ABI
	hashMethod string
}

func NewClient(address common.Address, version string, backend chainio.Backend) (*Client, error) {
	schema, err := SchemaForVersion(version)
	if err != nil {
		return nil, err
	}

	raw := entryPointABIV06
	hashMethod := "getUserOpHash"
	if version == SchemaLegacy {
		raw = entryPointABILegacy
		hashMethod = "getRequestId"
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid entry point ABI: %w", err)
	}

	return &Client{
		address:    address,
		schema:     schema,
		backend:    backend,
		abi:        parsed,
		hashMethod: hashMethod,
	}, nil
}

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) Schema() *PackingSchema {
	return c.schema
}

func (c *Client) toABITuple(op *model.UserOperation) interface{} {
	if c.schema.Version == SchemaLegacy {
		paymaster := common.Address{}
		paymasterData := []byte{}
		if len(op.PaymasterAndData) >= common.AddressLength {
			paymaster = common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
			paymasterData = op.PaymasterAndData[common.AddressLength:]
		}
		return userOpLegacy{
			Sender:               op.Sender,
			Nonce:                op.Nonce,
			InitCode:             op.InitCode,
			CallData:             op.CallData,
			CallGas:              op.CallGasLimit,
			VerificationGas:      op.VerificationGasLimit,
			PreVerificationGas:   op.PreVerificationGas,
			MaxFeePerGas:         op.MaxFeePerGas,
			MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
			Paymaster:            paymaster,
			PaymasterData:        paymasterData,
			Signature:            op.Signature,
		}
	}

	return userOpV06{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// The abi encoder dereferences every numeric field and silently truncates
// values over 256 bits, so both cases must fail here with a real error.
func checkNumericFields(op *model.UserOperation) error {
	for _, n := range []*big.Int{
		op.Nonce, op.CallGasLimit, op.VerificationGasLimit,
		op.PreVerificationGas, op.MaxFeePerGas, op.MaxPriorityFeePerGas,
	} {
		if n == nil {
			return fmt.Errorf("operation %s has an unset numeric field", op.ID)
		}
		if n.BitLen() > 256 || n.Sign() < 0 {
			return fmt.Errorf("operation %s has a numeric field outside uint256", op.ID)
		}
	}
	return nil
}

// PackHandleOps builds the calldata for the aggregating handleOps call.
func (c *Client) PackHandleOps(ops []*model.UserOperation, beneficiary common.Address) ([]byte, error) {
	for _, op := range ops {
		if err := checkNumericFields(op); err != nil {
			return nil, err
		}
	}

	if c.schema.Version == SchemaLegacy {
		tuples := make([]userOpLegacy, 0, len(ops))
		for _, op := range ops {
			tuples = append(tuples, c.toABITuple(op).(userOpLegacy))
		}
		return c.abi.Pack("handleOps", tuples, beneficiary)
	}

	tuples := make([]userOpV06, 0, len(ops))
	for _, op := range ops {
		tuples = append(tuples, c.toABITuple(op).(userOpV06))
	}
	return c.abi.Pack("handleOps", tuples, beneficiary)
}

// GetUserOpHash asks the deployed contract for the canonical operation hash.
// The hashing rule belongs to the contract; it is never reimplemented here.
func (c *Client) GetUserOpHash(ctx context.Context, op *model.UserOperation) (common.Hash, error) {
	calldata, err := c.abi.Pack(c.hashMethod, c.toABITuple(op))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", c.hashMethod, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: calldata}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s call: %w", c.hashMethod, err)
	}

	values, err := c.abi.Unpack(c.hashMethod, out)
	if err != nil {
		return common.Hash{}, fmt.Errorf("unpack %s: %w", c.hashMethod, err)
	}
	if len(values) != 1 {
		return common.Hash{}, fmt.Errorf("unexpected %s output", c.hashMethod)
	}

	hash, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected %s output type %T", c.hashMethod, values[0])
	}

	return common.Hash(hash), nil
}
