package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
)

var (
	raffleAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tokenAddress  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

func newTestClient(backends ...*mockBackend) *EthClient {
	endpoints := make([]endpoint, 0, len(backends))
	for i, backend := range backends {
		endpoints = append(endpoints, endpoint{url: fmt.Sprintf("mock-%d", i), backend: backend})
	}

	client := newEthClient(endpoints, Options{
		ChainID:       31337,
		RaffleAddress: raffleAddress,
		TokenAddress:  tokenAddress,
		RPCTimeout:    time.Second,
		GasMultiplier: 1.2,
	})
	client.receiptPollInterval = 5 * time.Millisecond
	client.retryDelay = time.Millisecond
	return client
}

func packUint256(t *testing.T, function string, value *big.Int) []byte {
	t.Helper()
	out, err := RaffleABI.Methods[function].Outputs.Pack(value)
	require.NoError(t, err)
	return out
}

func TestCallViewDecodesOutput(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return *msg.To == raffleAddress
	}), (*big.Int)(nil)).Return(packUint256(t, FunctionGetEntranceFee, big.NewInt(1_000_000)), nil).Once()

	fee, err := ViewBigInt(context.Background(), newTestClient(backend), Raffle, FunctionGetEntranceFee)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), fee.Int64())
	backend.AssertExpectations(t)
}

func TestCallViewAtReadsHistoricalState(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CallContract", mock.Anything, mock.Anything, mock.MatchedBy(func(block *big.Int) bool {
		return block != nil && block.Uint64() == 105
	})).Return(packUint256(t, FunctionGetEntranceFee, big.NewInt(2_000_000)), nil).Once()

	fee, err := ViewBigIntAt(context.Background(), newTestClient(backend), Raffle, FunctionGetEntranceFee, 105)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), fee.Int64())
	backend.AssertExpectations(t)
}

func TestFailoverToNextEndpoint(t *testing.T) {
	first, second := new(mockBackend), new(mockBackend)
	first.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection refused")).Once()
	second.On("BlockNumber", mock.Anything).Return(uint64(42), nil).Once()

	block, err := newTestClient(first, second).CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestAllEndpointsDownIsUnavailable(t *testing.T) {
	first, second := new(mockBackend), new(mockBackend)
	first.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection refused"))
	second.On("BlockNumber", mock.Anything).Return(uint64(0), rpc.HTTPError{StatusCode: http.StatusBadGateway})

	_, err := newTestClient(first, second).CurrentBlock(context.Background())
	assert.ErrorIs(t, err, errs.ErrRPCUnavailable)
	assert.True(t, errs.IsRetryable(err))
}

func TestRejectionIsNotFailedOver(t *testing.T) {
	first, second := new(mockBackend), new(mockBackend)
	first.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &jsonRPCError{code: 3, message: "execution reverted"}).Once()

	_, err := newTestClient(first, second).CallView(context.Background(), Raffle, FunctionGetEntranceFee)
	assert.ErrorIs(t, err, errs.ErrRPCRejected)
	second.AssertNotCalled(t, "CallContract", mock.Anything, mock.Anything, mock.Anything)
}

func TestRateLimitedCallIsRetried(t *testing.T) {
	backend := new(mockBackend)
	backend.On("BlockNumber", mock.Anything).Return(uint64(0), rpc.HTTPError{StatusCode: http.StatusTooManyRequests}).Twice()
	backend.On("BlockNumber", mock.Anything).Return(uint64(7), nil).Once()

	block, err := newTestClient(backend).CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), block)
	backend.AssertNumberOfCalls(t, "BlockNumber", 3)
}

func TestSendSignedAppliesGasMultiplier(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	backend := new(mockBackend)
	backend.On("PendingNonceAt", mock.Anything, from).Return(uint64(3), nil).Once()
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(2_000_000_000), nil).Once()
	backend.On("EstimateGas", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.From == from && *msg.To == tokenAddress
	})).Return(uint64(50_000), nil).Once()

	var sent *types.Transaction
	backend.On("SendTransaction", mock.Anything, mock.AnythingOfType("*types.Transaction")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*types.Transaction) }).
		Return(nil).Once()

	client := newTestClient(backend)
	hash, err := client.SendSigned(context.Background(), Token, FunctionApprove, key, raffleAddress, big.NewInt(1_000_000))
	require.NoError(t, err)

	require.NotNil(t, sent)
	assert.Equal(t, sent.Hash().Hex(), hash)
	assert.Equal(t, uint64(60_000), sent.Gas())
	assert.Equal(t, uint64(3), sent.Nonce())
	assert.Equal(t, tokenAddress, *sent.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), sent)
	require.NoError(t, err)
	assert.Equal(t, from, sender)
}

func TestSendSignedRevertingEstimateIsRejected(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := new(mockBackend)
	backend.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(0), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
	backend.On("EstimateGas", mock.Anything, mock.Anything).
		Return(uint64(0), &jsonRPCError{code: 3, message: "execution reverted: Raffle__NotOpen"})

	_, err = newTestClient(backend).SendSigned(context.Background(), Raffle, FunctionEnterRaffle, key)
	assert.ErrorIs(t, err, errs.ErrRPCRejected)
	assert.Contains(t, err.Error(), "address="+crypto.PubkeyToAddress(key.PublicKey).Hex())
	backend.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	backend := new(mockBackend)
	backend.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound)

	hash := common.HexToHash("0x01").Hex()
	_, err := newTestClient(backend).WaitForReceipt(context.Background(), hash, 30*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrConfirmationTimeout)

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, hash, e.TxHash)
}

func TestWaitForReceiptReportsStatus(t *testing.T) {
	backend := new(mockBackend)
	backend.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound).Once()
	backend.On("TransactionReceipt", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:      types.ReceiptStatusFailed,
		GasUsed:     48_000,
		BlockNumber: big.NewInt(12),
	}, nil).Once()

	receipt, err := newTestClient(backend).WaitForReceipt(context.Background(), "0x02", time.Second)
	require.NoError(t, err)
	assert.False(t, receipt.Successful)
	assert.Equal(t, uint64(48_000), receipt.GasUsed)
	assert.Equal(t, uint64(12), receipt.BlockNumber)
}

func TestGetLogsDecodesIndexedAndDataFields(t *testing.T) {
	winner := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	event := RaffleABI.Events[EventWinnerPicked]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(5_000_000))
	require.NoError(t, err)

	logs := []types.Log{
		{
			Address:     raffleAddress,
			Topics:      []common.Hash{event.ID, common.BytesToHash(winner.Bytes())},
			Data:        data,
			BlockNumber: 11,
			Index:       4,
			TxHash:      common.HexToHash("0xbb"),
		},
		{
			Address:     raffleAddress,
			Topics:      []common.Hash{event.ID, common.BytesToHash(winner.Bytes())},
			Data:        data,
			BlockNumber: 10,
			Index:       1,
			TxHash:      common.HexToHash("0xaa"),
		},
		{
			Address:     raffleAddress,
			Topics:      []common.Hash{event.ID, common.BytesToHash(winner.Bytes())},
			Data:        data,
			BlockNumber: 10,
			Index:       2,
			TxHash:      common.HexToHash("0xcc"),
			Removed:     true,
		},
	}

	backend := new(mockBackend)
	backend.On("FilterLogs", mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 10 && q.ToBlock.Uint64() == 20 && q.Topics[0][0] == event.ID
	})).Return(logs, nil).Once()

	entries, err := newTestClient(backend).GetLogs(context.Background(), Raffle, EventWinnerPicked, 10, 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, common.HexToHash("0xaa").Hex(), entries[0].TxHash)
	assert.Equal(t, uint64(11), entries[1].BlockNumber)

	gotWinner, err := entries[0].FieldAddress("winner")
	require.NoError(t, err)
	assert.Equal(t, winner, gotWinner)

	prize, err := entries[0].FieldBigInt("prizeAmount")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), prize.Int64())
}

func TestVerifyContractsRequiresCode(t *testing.T) {
	backend := new(mockBackend)
	backend.On("CodeAt", mock.Anything, raffleAddress, (*big.Int)(nil)).Return([]byte{0x60, 0x80}, nil)
	backend.On("CodeAt", mock.Anything, tokenAddress, (*big.Int)(nil)).Return([]byte{}, nil)

	err := newTestClient(backend).VerifyContracts(context.Background())
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Contains(t, err.Error(), tokenAddress.Hex())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil, "noop"))
	assert.ErrorIs(t, classify(errors.New("dial tcp: i/o timeout"), "op"), errs.ErrRPCUnavailable)
	assert.ErrorIs(t, classify(rpc.HTTPError{StatusCode: http.StatusServiceUnavailable}, "op"), errs.ErrRPCUnavailable)
	assert.ErrorIs(t, classify(rpc.HTTPError{StatusCode: http.StatusBadRequest}, "op"), errs.ErrRPCRejected)
	assert.ErrorIs(t, classify(&jsonRPCError{code: -32000, message: "nonce too low"}, "op"), errs.ErrRPCRejected)
	assert.ErrorIs(t, classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "op"), errs.ErrRPCUnavailable)
}
