package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/blockchain/mocks"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
	"github.com/cemeheeb/custodial-raffle/internal/orchestrator"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

var (
	raffleAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tokenAddress  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

type fixture struct {
	client      *mocks.Client
	store       *storage.SqliteStorage
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	vault, err := keyvault.New(bytes.Repeat([]byte{0x17}, keyvault.SecretLength))
	require.NoError(t, err)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewSqliteStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := mocks.NewClient(raffleAddress, tokenAddress)
	transactor := orchestrator.New(client, vault, store, orchestrator.Options{ReceiptTimeout: time.Minute})

	return &fixture{
		client:      client,
		store:       store,
		coordinator: New(client, vault, store, transactor),
	}
}

func (f *fixture) stubView(contract blockchain.Contract, function string, value interface{}) {
	f.client.On("CallView", mock.Anything, contract, function, mock.Anything).Return([]interface{}{value}, nil)
}

func TestProvisionWalletIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)
	second, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, first.Address, second.Address)
	assert.Equal(t, first.EncryptedKey, second.EncryptedKey)
	assert.True(t, common.IsHexAddress(first.Address))

	other, err := f.coordinator.ProvisionWallet(context.Background(), "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.Address, other.Address)
}

func TestEnterSetsFlagOnlyAfterConfirmation(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)

	f.stubView(blockchain.Raffle, blockchain.FunctionGetRaffleState, blockchain.RaffleStateOpen)
	f.stubView(blockchain.Raffle, blockchain.FunctionGetEntranceFee, big.NewInt(1_000_000))
	f.stubView(blockchain.Token, blockchain.FunctionBalanceOf, big.NewInt(2_000_000))
	f.stubView(blockchain.Token, blockchain.FunctionAllowance, big.NewInt(0))

	f.client.On("SendSigned", mock.Anything, blockchain.Token, blockchain.FunctionApprove, mock.Anything, mock.Anything).
		Return("0xapprove", nil).Once()
	f.client.On("SendSigned", mock.Anything, blockchain.Raffle, blockchain.FunctionEnterRaffle, mock.Anything, mock.Anything).
		Return("0xentry", nil).Once()

	var enteredWhilePending []bool
	observe := func(mock.Arguments) {
		account, err := f.store.GetAccountByIdentity("alice")
		require.NoError(t, err)
		enteredWhilePending = append(enteredWhilePending, account.InCurrentRaffle)
	}
	for _, hash := range []string{"0xapprove", "0xentry"} {
		f.client.On("WaitForReceipt", mock.Anything, hash, time.Minute).
			Run(observe).
			Return(&blockchain.Receipt{TxHash: hash, Successful: true, GasUsed: 45_000, BlockNumber: 12}, nil).Once()
	}

	result, err := f.coordinator.Enter(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "0xentry", result.TxHash)
	assert.Equal(t, "0xapprove", result.ApproveTxHash)

	assert.Equal(t, []bool{false, false}, enteredWhilePending)
	f.client.AssertNumberOfCalls(t, "SendSigned", 2)

	stats, err := f.coordinator.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, stats.InCurrentRaffle)

	account, err := f.store.GetAccountByIdentity("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), account.LastEntryBlock)
}

func TestEnterFailedEntryLeavesFlagClear(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)

	f.stubView(blockchain.Raffle, blockchain.FunctionGetRaffleState, blockchain.RaffleStateOpen)
	f.stubView(blockchain.Raffle, blockchain.FunctionGetEntranceFee, big.NewInt(1_000_000))
	f.stubView(blockchain.Token, blockchain.FunctionBalanceOf, big.NewInt(2_000_000))
	f.stubView(blockchain.Token, blockchain.FunctionAllowance, big.NewInt(1_000_000))
	f.client.On("SendSigned", mock.Anything, blockchain.Raffle, blockchain.FunctionEnterRaffle, mock.Anything, mock.Anything).
		Return("0xentry", nil).Once()
	f.client.On("WaitForReceipt", mock.Anything, "0xentry", time.Minute).
		Return(&blockchain.Receipt{TxHash: "0xentry", Successful: false, GasUsed: 21_000, BlockNumber: 12}, nil).Once()

	_, err = f.coordinator.Enter(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrChainTransactionFailed)

	stats, err := f.coordinator.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, stats.InCurrentRaffle)
}

func TestEnterUnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.Enter(context.Background(), "nobody")
	assert.ErrorIs(t, err, errs.ErrUnknownAccount)
	assert.Empty(t, f.client.Calls)
}

func TestEnterRaffleNotOpen(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)
	f.stubView(blockchain.Raffle, blockchain.FunctionGetRaffleState, uint8(1))

	_, err = f.coordinator.Enter(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrRaffleNotOpen)
	assert.Contains(t, err.Error(), storage.RoundCalculating)
	f.client.AssertNumberOfCalls(t, "SendSigned", 0)
}

func TestEnterInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)

	f.stubView(blockchain.Raffle, blockchain.FunctionGetRaffleState, blockchain.RaffleStateOpen)
	f.stubView(blockchain.Raffle, blockchain.FunctionGetEntranceFee, big.NewInt(1_000_000))
	f.stubView(blockchain.Token, blockchain.FunctionBalanceOf, big.NewInt(10))

	_, err = f.coordinator.Enter(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
	f.client.AssertNumberOfCalls(t, "SendSigned", 0)
}

func TestStatusComputesPool(t *testing.T) {
	f := newFixture(t)
	players := []common.Address{
		common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
		common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906"),
	}
	f.stubView(blockchain.Raffle, blockchain.FunctionGetPlayers, players)
	f.stubView(blockchain.Raffle, blockchain.FunctionGetRaffleState, uint8(0))
	f.stubView(blockchain.Raffle, blockchain.FunctionGetEntranceFee, big.NewInt(1_000_000))

	status, err := f.coordinator.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.ParticipantCount)
	assert.Equal(t, storage.RoundOpen, status.State)
	assert.Equal(t, "1000000", status.EntranceFee.String())
	assert.Equal(t, "3000000", status.Pool.String())
}

func TestTokenBalanceFailureIsNotZero(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)
	f.client.On("CallView", mock.Anything, blockchain.Token, blockchain.FunctionBalanceOf, mock.Anything).
		Return(nil, errs.New(errs.KindRPCUnavailable, "all endpoints down"))

	balance, err := f.coordinator.TokenBalance(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrRPCUnavailable)
	assert.Nil(t, balance)
}

func TestTriggerDrawPropagatesConfiguration(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.TriggerDraw(context.Background())
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}
