package paymaster

import (
	"bytes"
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paymasterio "github.com/AvaProtocol/userop-bundler/core/chainio/paymaster"
	"github.com/AvaProtocol/userop-bundler/model"
)

var (
	usdcAddress  = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	otherAddress = common.HexToAddress("0x4200000000000000000000000000000000000006")
)

func pricedOp() *model.UserOperation {
	return &model.UserOperation{
		Sender:               common.HexToAddress("0xe0f7D11FD714674722d325Cd86062A5F1882E13a"),
		Nonce:                big.NewInt(1),
		InitCode:             []byte{},
		CallData:             []byte{0x01, 0x02},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(645000),
		PreVerificationGas:   big.NewInt(39300),
		MaxFeePerGas:         big.NewInt(2000000000),
		MaxPriorityFeePerGas: big.NewInt(1000000000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}
}

func TestAuthorizationRoundTrip(t *testing.T) {
	in := &Authorization{
		Token:        usdcAddress,
		Mode:         ModeERC20,
		ValidUntil:   uint64(1756700000),
		Fee:          big.NewInt(1234567),
		ExchangeRate: new(big.Int).Mul(big.NewInt(4300), big.NewInt(1000000)),
		Signature:    bytes.Repeat([]byte{0xab}, 65),
	}

	encoded, err := in.Encode()
	require.NoError(t, err)
	assert.Len(t, encoded, blobFixedLen+65)

	out, err := DecodeAuthorization(encoded)
	require.NoError(t, err)
	assert.Equal(t, in.Token, out.Token)
	assert.Equal(t, in.Mode, out.Mode)
	assert.Equal(t, in.ValidUntil, out.ValidUntil)
	assert.Equal(t, in.Fee, out.Fee)
	assert.Equal(t, in.ExchangeRate, out.ExchangeRate)
	assert.Equal(t, in.Signature, out.Signature)
}

func TestAuthorizationEncodeBounds(t *testing.T) {
	auth := &Authorization{
		Token:        usdcAddress,
		ValidUntil:   uint64(1) << 48,
		Fee:          big.NewInt(1),
		ExchangeRate: big.NewInt(1),
	}
	_, err := auth.Encode()
	assert.Error(t, err, "validUntil must fit 48 bits")

	auth.ValidUntil = 1
	auth.Fee = big.NewInt(-1)
	_, err = auth.Encode()
	assert.Error(t, err, "fee must be non-negative")

	_, err = DecodeAuthorization(make([]byte, blobFixedLen-1))
	assert.Error(t, err)
}

func TestWorstCaseCost(t *testing.T) {
	op := pricedOp()

	cost, err := WorstCaseCost(op)
	require.NoError(t, err)

	// (100000 + 3*645000 + 39300) * 2 gwei
	want := new(big.Int).Mul(big.NewInt(100000+3*645000+39300), big.NewInt(2000000000))
	assert.Equal(t, want, cost)

	op.MaxFeePerGas = nil
	_, err = WorstCaseCost(op)
	assert.Error(t, err)
}

func TestTokenFeeRoundsUp(t *testing.T) {
	// 1 wei at any positive rate still costs at least one token unit
	fee, err := TokenFee(big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), fee)

	// exact division stays exact
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fee, err = TokenFee(oneEth, big.NewInt(4300000000))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(4300000000), fee)

	_, err = TokenFee(big.NewInt(1), big.NewInt(0))
	assert.Error(t, err)
}

func TestScaleRate(t *testing.T) {
	rate, err := scaleRate("4300.5", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(4300500000), rate)

	// rounds up, never down
	rate, err = scaleRate("0.0000001", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), rate)

	_, err = scaleRate("-1", 6)
	assert.Error(t, err)
	_, err = scaleRate("nope", 6)
	assert.Error(t, err)
}

type sponsorBackend struct {
	hash common.Hash
}

func (b *sponsorBackend) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (b *sponsorBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (b *sponsorBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *sponsorBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (b *sponsorBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 0, nil
}
func (b *sponsorBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return b.hash.Bytes(), nil
}
func (b *sponsorBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
func (b *sponsorBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func newTestEngine(t *testing.T, rateSourceURL string) *Engine {
	t.Helper()

	tokens := []model.ApprovedToken{
		{Address: usdcAddress, Enabled: true, RateSource: rateSourceURL, Decimals: 6},
		{Address: otherAddress, Enabled: false, RateSource: rateSourceURL, Decimals: 18},
	}

	rates, err := NewRateFetcher(time.Minute, nil)
	require.NoError(t, err)

	contract, err := paymasterio.NewClient(
		common.HexToAddress("0x00000f79B7FaF42EEBAdbA19aCc07cD08Af44789"),
		&sponsorBackend{hash: common.HexToHash("0x3fd54831f488a22b28398de0c567a3b064b937f54f81739ae9bd545967f3abab")},
	)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return NewEngine(8453, tokens, rates, contract, key, 3*time.Minute, nil)
}

func rateServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSponsorProducesDecodablePayload(t *testing.T) {
	server := rateServer(t, `{"rate":"4300"}`)
	engine := newTestEngine(t, server.URL)
	engine.now = func() time.Time { return time.Unix(1756700000, 0) }

	payload, err := engine.Sponsor(context.Background(), pricedOp(), usdcAddress)
	require.NoError(t, err)

	auth, err := DecodeAuthorization(payload)
	require.NoError(t, err)
	assert.Equal(t, usdcAddress, auth.Token)
	assert.Equal(t, ModeERC20, auth.Mode)
	assert.Equal(t, uint64(1756700000+180), auth.ValidUntil)
	assert.Len(t, auth.Signature, 65)
	assert.True(t, auth.Fee.Sign() > 0)
	assert.Equal(t, big.NewInt(4300000000), auth.ExchangeRate)
}

func TestSponsorRejectsUnknownAndDisabledTokens(t *testing.T) {
	server := rateServer(t, `{"rate":"4300"}`)
	engine := newTestEngine(t, server.URL)

	var unsupported *UnsupportedTokenError

	_, err := engine.Sponsor(context.Background(), pricedOp(), common.HexToAddress("0xdead"))
	require.ErrorAs(t, err, &unsupported)

	_, err = engine.Sponsor(context.Background(), pricedOp(), otherAddress)
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, otherAddress, unsupported.Token)
}

func TestSponsorPriceSourceFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	engine := newTestEngine(t, server.URL)

	var sourceErr *PriceSourceError
	_, err := engine.Sponsor(context.Background(), pricedOp(), usdcAddress)
	require.ErrorAs(t, err, &sourceErr)
}

func TestApprovedTokensExcludesDisabled(t *testing.T) {
	engine := newTestEngine(t, "http://127.0.0.1:0")

	tokens := engine.ApprovedTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, usdcAddress, tokens[0].Address)
}

func TestApproveAmountSumsFees(t *testing.T) {
	server := rateServer(t, `{"rate":"4300"}`)
	engine := newTestEngine(t, server.URL)

	single, err := engine.QuoteOperation(context.Background(), pricedOp(), usdcAddress)
	require.NoError(t, err)

	total, err := engine.ApproveAmount(context.Background(), []*model.UserOperation{pricedOp(), pricedOp()}, usdcAddress)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(single.Fee, big.NewInt(2)), total)
}
