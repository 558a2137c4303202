// Package coordinator is the front for the raffle use cases: wallet provisioning,
// entering the raffle, reading its status and triggering the draw.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/orchestrator"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

// Transactor runs the signed multi-step operations.
type Transactor interface {
	EnterRaffle(ctx context.Context, account *storage.Account) (*orchestrator.EntryResult, error)
	TriggerDraw(ctx context.Context) (*orchestrator.DrawResult, error)
}

type Coordinator struct {
	client     blockchain.Client
	vault      *keyvault.Vault
	storage    storage.Storage
	transactor Transactor
}

type EnterResult struct {
	TxHash        string
	ApproveTxHash string
}

type Status struct {
	ParticipantCount int
	State            string
	EntranceFee      *big.Int
	// Pool is ParticipantCount × EntranceFee at the time of the read.
	Pool             *big.Int
}

type DrawResult struct {
	TxHash string
}

type Stats struct {
	Identity        string
	Address         string
	TotalEntries    int64
	TotalWinnings   decimal.Decimal
	DepositBalance  decimal.Decimal
	InCurrentRaffle bool
}

func New(client blockchain.Client, vault *keyvault.Vault, store storage.Storage, transactor Transactor) *Coordinator {
	return &Coordinator{
		client:     client,
		vault:      vault,
		storage:    store,
		transactor: transactor,
	}
}

// ProvisionWallet returns the custodial account for identity, creating a fresh key
// pair on first use.
func (c *Coordinator) ProvisionWallet(ctx context.Context, identity string) (*storage.Account, error) {
	account, err := c.storage.GetAccountByIdentity(identity)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	address, sealed, err := c.vault.GenerateAccount()
	if err != nil {
		return nil, err
	}

	account, err = c.storage.CreateAccount(identity, address.Hex(), sealed)
	if err != nil {
		return nil, err
	}

	logger.Info("coordinator: wallet provisioned", zap.String("identity", identity), zap.String("address", account.Address))
	return account, nil
}

// Enter submits a raffle entry for identity. The entered flag is set only once the
// entry transaction is confirmed.
func (c *Coordinator) Enter(ctx context.Context, identity string) (*EnterResult, error) {
	account, err := c.account(identity)
	if err != nil {
		return nil, err
	}

	state, err := blockchain.ViewUint8(ctx, c.client, blockchain.Raffle, blockchain.FunctionGetRaffleState)
	if err != nil {
		return nil, err
	}
	if state != blockchain.RaffleStateOpen {
		logger.Info("coordinator: raffle is not open", zap.String("identity", identity), zap.String("state", stateName(state)))
		return nil, errs.Newf(errs.KindRaffleNotOpen, "raffle is %s", stateName(state))
	}

	result, err := c.transactor.EnterRaffle(ctx, account)
	if err != nil {
		if errs.IsRejection(err) {
			logger.Info("coordinator: entry rejected", zap.String("identity", identity), zap.Error(err))
		}
		return nil, err
	}

	if err := c.storage.MarkAccountEntered(identity, result.BlockNumber); err != nil {
		// the entry is confirmed on chain; only the advisory flag is missing
		logger.Error("coordinator: failed to mark account entered", zap.String("identity", identity), zap.Error(err))
	}

	return &EnterResult{TxHash: result.TxHash, ApproveTxHash: result.ApproveTxHash}, nil
}

// Status reads the raffle state straight from the contract.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	players, err := blockchain.ViewAddresses(ctx, c.client, blockchain.Raffle, blockchain.FunctionGetPlayers)
	if err != nil {
		return nil, err
	}

	state, err := blockchain.ViewUint8(ctx, c.client, blockchain.Raffle, blockchain.FunctionGetRaffleState)
	if err != nil {
		return nil, err
	}

	fee, err := blockchain.ViewBigInt(ctx, c.client, blockchain.Raffle, blockchain.FunctionGetEntranceFee)
	if err != nil {
		return nil, err
	}

	return &Status{
		ParticipantCount: len(players),
		State:            stateName(state),
		EntranceFee:      fee,
		Pool:             new(big.Int).Mul(big.NewInt(int64(len(players))), fee),
	}, nil
}

// TriggerDraw asks the raffle to pick a winner. Callers authorize the admin.
func (c *Coordinator) TriggerDraw(ctx context.Context) (*DrawResult, error) {
	result, err := c.transactor.TriggerDraw(ctx)
	if err != nil {
		return nil, err
	}
	return &DrawResult{TxHash: result.TxHash}, nil
}

// TokenBalance reads the on-chain token balance of identity's custodial address.
func (c *Coordinator) TokenBalance(ctx context.Context, identity string) (*big.Int, error) {
	account, err := c.account(identity)
	if err != nil {
		return nil, err
	}
	return blockchain.ViewBigInt(ctx, c.client, blockchain.Token, blockchain.FunctionBalanceOf, common.HexToAddress(account.Address))
}

func (c *Coordinator) Stats(ctx context.Context, identity string) (*Stats, error) {
	account, err := c.account(identity)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Identity:        account.Identity,
		Address:         account.Address,
		TotalEntries:    account.TotalEntries,
		TotalWinnings:   account.TotalWinnings,
		DepositBalance:  account.DepositBalance,
		InCurrentRaffle: account.InCurrentRaffle,
	}, nil
}

func (c *Coordinator) account(identity string) (*storage.Account, error) {
	account, err := c.storage.GetAccountByIdentity(identity)
	if errors.Is(err, errs.ErrNotFound) {
		logger.Info("coordinator: unknown account", zap.String("identity", identity))
		return nil, errs.Newf(errs.KindUnknownAccount, "no wallet for %q", identity)
	}
	return account, err
}

func stateName(state uint8) string {
	switch state {
	case 0:
		return storage.RoundOpen
	case 1:
		return storage.RoundCalculating
	default:
		return fmt.Sprintf("UNKNOWN(%d)", state)
	}
}
