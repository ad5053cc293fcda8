package bundler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/userop-bundler/metrics"
	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/storage"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

func (b *Bundler) startRpcServer(ctx context.Context) {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if b.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/", b.handleRPC)

	b.httpServer = e

	addr := b.config.BindAddress
	b.logger.Info("rpc server listening", "address", addr)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			b.logger.Error("rpc server stopped", "address", addr, "error", err.Error())
		}
	}()
}

func (b *Bundler) handleRPC(c echo.Context) error {
	req := &rpcRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusOK, &rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParse, Message: "invalid json-rpc request"},
		})
	}

	result, err := b.dispatch(c.Request().Context(), req.Method, req.Params)

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = toRPCError(err)
		b.logger.Info("rpc call failed", "method", req.Method, "code", resp.Error.Code, "error", err.Error())
	} else {
		resp.Result = result
	}

	return c.JSON(http.StatusOK, resp)
}

func (b *Bundler) dispatch(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	switch method {
	case "eth_chainId":
		return hexutil.EncodeUint64(b.config.ChainID), nil

	case "eth_supportedEntryPoints":
		return []string{b.entryPoint.Address().Hex()}, nil

	case "eth_getGasFees":
		return b.handleGetGasFees(ctx)

	case "eth_estimateUserOperationGas":
		return b.handleEstimate(ctx, params)

	case "eth_sendUserOperation":
		return b.handleSend(ctx, params)

	case "eth_getUserOpHash":
		return b.handleGetUserOpHash(ctx, params)

	case "pm_sponsorUserOperation":
		return b.handleSponsor(ctx, params)

	case "pm_getApprovedTokens":
		return b.handleApprovedTokens(ctx)

	case "pm_getApproveAmount":
		return b.handleApproveAmount(ctx, params)

	case "bundler_getOperation":
		return b.handleGetOperation(params)

	case "bundler_getBundle":
		return b.handleGetBundle(params)

	case "bundler_listBundles":
		return b.handleListBundles()
	}

	return nil, &methodNotFoundError{method: method}
}

type methodNotFoundError struct {
	method string
}

func (e *methodNotFoundError) Error() string {
	return fmt.Sprintf("method %s not found", e.method)
}

func (b *Bundler) handleGetGasFees(ctx context.Context) (interface{}, error) {
	fees, err := b.estimator.SuggestFees(ctx)
	if err != nil {
		metrics.OracleFetchFailures.Inc()
		return nil, err
	}

	return map[string]string{
		"maxFeePerGas":         hexutil.EncodeBig(fees.MaxFeePerGas),
		"maxPriorityFeePerGas": hexutil.EncodeBig(fees.MaxPriorityFeePerGas),
	}, nil
}

func (b *Bundler) handleEstimate(ctx context.Context, params []interface{}) (interface{}, error) {
	op, err := operationParam(params, 0)
	if err != nil {
		return nil, err
	}

	estimate, err := b.estimator.Estimate(ctx, op)
	if err != nil {
		metrics.GasEstimates.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.GasEstimates.WithLabelValues("ok").Inc()

	return map[string]string{
		"callGasLimit":         hexutil.EncodeBig(estimate.CallGasLimit),
		"verificationGasLimit": hexutil.EncodeBig(estimate.VerificationGasLimit),
		"preVerificationGas":   hexutil.EncodeBig(estimate.PreVerificationGas),
	}, nil
}

func (b *Bundler) handleSend(ctx context.Context, params []interface{}) (interface{}, error) {
	ops, err := operationsParam(params)
	if err != nil {
		return nil, err
	}

	fees, err := b.estimator.SuggestFees(ctx)
	if err != nil {
		return nil, err
	}

	for range ops {
		metrics.OperationsReceived.Inc()
	}

	result, err := b.submitter.Submit(ctx, ops, fees)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"status":   wireStatus(result.Status),
		"txHash":   result.TxHash,
		"bundleId": result.Bundle.ID,
	}, nil
}

func (b *Bundler) handleGetUserOpHash(ctx context.Context, params []interface{}) (interface{}, error) {
	op, err := operationParam(params, 0)
	if err != nil {
		return nil, err
	}

	hash, err := b.entryPoint.GetUserOpHash(ctx, op)
	if err != nil {
		return nil, err
	}
	return hash.Hex(), nil
}

func (b *Bundler) handleSponsor(ctx context.Context, params []interface{}) (interface{}, error) {
	if b.sponsor == nil {
		return nil, &methodNotFoundError{method: "pm_sponsorUserOperation"}
	}

	op, err := operationParam(params, 0)
	if err != nil {
		return nil, err
	}
	token, err := addressParam(params, 1)
	if err != nil {
		return nil, err
	}

	payload, err := b.sponsor.Sponsor(ctx, op, token)
	if err != nil {
		metrics.SponsorshipRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SponsorshipRequests.WithLabelValues("ok").Inc()

	return hexutil.Encode(payload), nil
}

func (b *Bundler) handleApprovedTokens(ctx context.Context) (interface{}, error) {
	if b.sponsor == nil {
		return []interface{}{}, nil
	}

	paymasterAddr := b.sponsor.ContractAddress().Hex()
	out := make([]map[string]string, 0)
	for _, tr := range b.sponsor.ApprovedTokenRates(ctx) {
		entry := map[string]string{
			"address":      tr.Token.Address.Hex(),
			"paymaster":    paymasterAddr,
			"exchangeRate": "0x0",
		}
		if tr.ExchangeRate != nil {
			entry["exchangeRate"] = hexutil.EncodeBig(tr.ExchangeRate)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *Bundler) handleApproveAmount(ctx context.Context, params []interface{}) (interface{}, error) {
	if b.sponsor == nil {
		return nil, &methodNotFoundError{method: "pm_getApproveAmount"}
	}

	if len(params) < 2 {
		return nil, &model.ValidationError{Field: "params", Reason: "want [operations, token]"}
	}

	ops, err := operationsParam(params[:len(params)-1])
	if err != nil {
		return nil, err
	}
	token, err := addressParam(params, len(params)-1)
	if err != nil {
		return nil, err
	}

	amount, err := b.sponsor.ApproveAmount(ctx, ops, token)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeBig(amount), nil
}

// handleGetOperation returns the stored record for an operation id returned by
// eth_sendUserOperation.
func (b *Bundler) handleGetOperation(params []interface{}) (interface{}, error) {
	id, err := stringParam(params, 0, "id")
	if err != nil {
		return nil, err
	}

	data, err := b.db.GetKey(model.OperationStorageKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &model.ValidationError{Field: "id", Reason: fmt.Sprintf("unknown operation %s", id)}
	}
	if err != nil {
		return nil, err
	}

	op, err := model.UserOperationFromJSON(data)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// handleGetBundle returns a bundle record together with its member operations.
func (b *Bundler) handleGetBundle(params []interface{}) (interface{}, error) {
	id, err := stringParam(params, 0, "id")
	if err != nil {
		return nil, err
	}

	data, err := b.db.GetKey(model.BundleStorageKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &model.ValidationError{Field: "id", Reason: fmt.Sprintf("unknown bundle %s", id)}
	}
	if err != nil {
		return nil, err
	}

	bundle, err := model.BundleFromJSON(data)
	if err != nil {
		return nil, err
	}

	ops := make([]*model.UserOperation, 0, len(bundle.OperationIDs))
	for _, opID := range bundle.OperationIDs {
		raw, err := b.db.GetKey(model.OperationStorageKey(opID))
		if err != nil {
			return nil, err
		}
		op, err := model.UserOperationFromJSON(raw)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return map[string]interface{}{
		"bundle":     bundle,
		"operations": ops,
	}, nil
}

// handleListBundles scans every bundle record. The store holds one process
// lifetime of records, so an unbounded scan is acceptable here.
func (b *Bundler) handleListBundles() (interface{}, error) {
	items, err := b.db.GetByPrefix([]byte(model.BundleKeyPrefix))
	if err != nil {
		return nil, err
	}

	bundles := make([]*model.Bundle, 0, len(items))
	for _, item := range items {
		bundle, err := model.BundleFromJSON(item.Value)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}

	totalOps, err := b.db.CountKeysByPrefix([]byte(model.OperationKeyPrefix))
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"bundles":         bundles,
		"totalOperations": totalOps,
	}, nil
}

func wireStatus(status model.Status) string {
	switch status {
	case model.StatusSuccessful:
		return "success"
	case model.StatusPending:
		return "pending"
	default:
		return "failed"
	}
}

// decodeOperation turns one json-rpc params entry into a validated operation.
func decodeOperation(param interface{}) (*model.UserOperation, error) {
	raw := &model.RawUserOperation{}
	if err := mapstructure.Decode(param, raw); err != nil {
		return nil, &model.ValidationError{Field: "operation", Reason: err.Error()}
	}
	return model.ParseUserOperation(raw)
}

func operationParam(params []interface{}, index int) (*model.UserOperation, error) {
	if len(params) <= index {
		return nil, &model.ValidationError{Field: "params", Reason: "missing operation"}
	}
	return decodeOperation(params[index])
}

// operationsParam accepts either a single operation object per entry or one
// array of operations as the first entry.
func operationsParam(params []interface{}) ([]*model.UserOperation, error) {
	if len(params) == 0 {
		return nil, &model.ValidationError{Field: "params", Reason: "missing operations"}
	}

	entries := params
	if list, ok := params[0].([]interface{}); ok {
		entries = list
	}

	ops := make([]*model.UserOperation, 0, len(entries))
	for _, entry := range entries {
		op, err := decodeOperation(entry)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func stringParam(params []interface{}, index int, field string) (string, error) {
	if len(params) <= index {
		return "", &model.ValidationError{Field: field, Reason: "missing parameter"}
	}
	s, ok := params[index].(string)
	if !ok || s == "" {
		return "", &model.ValidationError{Field: field, Reason: "must be a non-empty string"}
	}
	return s, nil
}

func addressParam(params []interface{}, index int) (common.Address, error) {
	if len(params) <= index {
		return common.Address{}, &model.ValidationError{Field: "params", Reason: "missing address"}
	}
	s, ok := params[index].(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, &model.ValidationError{Field: "token", Reason: "not a hex address"}
	}
	return common.HexToAddress(s), nil
}
