// Package paymaster is the chain-contract client for the verifying token
// paymaster. The sponsorship authorization hash is defined by the deployed
// contract; this client only relays the view call.
package paymaster

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

const paymasterABI = `[
  {"inputs":[{"components":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint256","name":"nonce","type":"uint256"},{"internalType":"bytes","name":"initCode","type":"bytes"},{"internalType":"bytes","name":"callData","type":"bytes"},{"internalType":"uint256","name":"callGasLimit","type":"uint256"},{"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},{"internalType":"bytes","name":"signature","type":"bytes"}],"internalType":"struct UserOperation","name":"userOp","type":"tuple"},{"internalType":"uint8","name":"mode","type":"uint8"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint48","name":"validUntil","type":"uint48"},{"internalType":"uint256","name":"fee","type":"uint256"},{"internalType":"uint256","name":"exchangeRate","type":"uint256"}],"name":"getHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

type abiUserOp struct {
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

type Client struct {
	address common.Address
	backend chainio.Backend
	abi     abi.ABI
}

func NewClient(address common.Address, backend chainio.Backend) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(paymasterABI))
	if err != nil {
		return nil, fmt.Errorf("invalid paymaster ABI: %w", err)
	}

	return &Client{address: address, backend: backend, abi: parsed}, nil
}

func (c *Client) Address() common.Address {
	return c.address
}

// GetHash returns the contract's canonical hash over (operation, sponsorship
// terms). The paymasterAndData and signature fields of the operation are not
// part of that hash on-chain, so their current values do not matter here.
func (c *Client) GetHash(
	ctx context.Context,
	op *model.UserOperation,
	mode uint8,
	token common.Address,
	validUntil uint64,
	fee *big.Int,
	exchangeRate *big.Int,
) (common.Hash, error) {
	tuple := abiUserOp{
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

	calldata, err := c.abi.Pack("getHash", tuple, mode, token, new(big.Int).SetUint64(validUntil), fee, exchangeRate)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack getHash: %w", err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: calldata}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getHash call: %w", err)
	}

	values, err := c.abi.Unpack("getHash", out)
	if err != nil {
		return common.Hash{}, fmt.Errorf("unpack getHash: %w", err)
	}

	hash, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected getHash output type %T", values[0])
	}

	return common.Hash(hash), nil
}
