package bundler

import (
	"errors"

	"github.com/AvaProtocol/userop-bundler/core/gas"
	"github.com/AvaProtocol/userop-bundler/core/paymaster"
	"github.com/AvaProtocol/userop-bundler/core/submitter"
	"github.com/AvaProtocol/userop-bundler/model"
)

// JSON-RPC 2.0 error codes. The -32000..-32099 range is reserved for
// server-defined errors; chain and upstream failures land there.
const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeExecutionReverted   = -32521
	codeSubmissionFailed    = -32500
	codeUpstreamUnavailable = -32503
)

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// toRPCError maps engine failures onto structured transport errors. Every
// fault crossing this boundary must come out as one of these; nothing
// unstructured escapes to the client.
func toRPCError(err error) *rpcError {
	var notFound *methodNotFoundError
	if errors.As(err, &notFound) {
		return &rpcError{Code: codeMethodNotFound, Message: notFound.Error()}
	}

	var validation *model.ValidationError
	if errors.As(err, &validation) {
		return &rpcError{Code: codeInvalidParams, Message: validation.Error()}
	}

	var unsupported *paymaster.UnsupportedTokenError
	if errors.As(err, &unsupported) {
		return &rpcError{Code: codeInvalidParams, Message: unsupported.Error()}
	}

	var revert *gas.SimulationRevertError
	if errors.As(err, &revert) {
		return &rpcError{Code: codeExecutionReverted, Message: revert.Error(), Data: revert.Data}
	}

	var priceSource *paymaster.PriceSourceError
	if errors.As(err, &priceSource) {
		return &rpcError{Code: codeUpstreamUnavailable, Message: priceSource.Error()}
	}

	var hashErr *paymaster.HashComputationError
	if errors.As(err, &hashErr) {
		return &rpcError{Code: codeUpstreamUnavailable, Message: hashErr.Error()}
	}

	var submission *submitter.SubmissionError
	if errors.As(err, &submission) {
		return &rpcError{Code: codeSubmissionFailed, Message: submission.Error()}
	}

	return &rpcError{Code: codeInternal, Message: err.Error()}
}
