// Package orchestrator executes multi-step custodial transactions as best-effort sagas.
//
// Steps are never rolled back: a confirmed approve stays in effect when the entry that
// follows it fails, and the next attempt re-checks the allowance before approving again.
// A transaction that failed on chain is reported with its hash and never resubmitted.
package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/metrics"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

type Options struct {
	ReceiptTimeout    time.Duration
	AdminEncryptedKey string
}

type Orchestrator struct {
	client            blockchain.Client
	vault             *keyvault.Vault
	storage           storage.Storage
	locks             *keyedLock
	receiptTimeout    time.Duration
	adminEncryptedKey string
}

type EntryResult struct {
	TxHash        string
	ApproveTxHash string
	Fee           *big.Int
	GasUsed       uint64
	BlockNumber   uint64
}

type DrawResult struct {
	TxHash      string
	GasUsed     uint64
	BlockNumber uint64
}

func New(client blockchain.Client, vault *keyvault.Vault, store storage.Storage, options Options) *Orchestrator {
	return &Orchestrator{
		client:            client,
		vault:             vault,
		storage:           store,
		locks:             newKeyedLock(),
		receiptTimeout:    options.ReceiptTimeout,
		adminEncryptedKey: options.AdminEncryptedKey,
	}
}

// lock serializes every operation signed by address. A caller that gives up while
// waiting gets its own context error back.
func (o *Orchestrator) lock(ctx context.Context, address common.Address) (func(), error) {
	unlock, err := o.locks.Lock(ctx, address.Hex())
	if err != nil {
		logger.Debug("orchestrator: gave up waiting for account lock", zap.String("address", address.Hex()), zap.Error(err))
		return nil, err
	}
	return unlock, nil
}

// confirm waits for txHash and fails with CHAIN_TRANSACTION_FAILED when it reverted.
func (o *Orchestrator) confirm(ctx context.Context, operation, txHash string) (*blockchain.Receipt, error) {
	receipt, err := o.client.WaitForReceipt(ctx, txHash, o.receiptTimeout)
	if err != nil {
		if errs.KindOf(err) == errs.KindConfirmationTimeout {
			metrics.RecordTransaction(operation, "timeout")
		}
		logger.Warn("orchestrator: confirmation wait failed", zap.String("operation", operation), zap.String("tx", txHash), zap.Error(err))
		return nil, withTxHash(err, txHash)
	}

	if !receipt.Successful {
		metrics.RecordTransaction(operation, "failed")
		logger.Error("orchestrator: transaction failed on chain",
			zap.String("operation", operation),
			zap.String("tx", txHash),
			zap.Uint64("gas used", receipt.GasUsed),
			zap.Uint64("block", receipt.BlockNumber))
		return receipt, errs.Newf(errs.KindChainTransactionFailed, "%s reverted", operation).WithTxHash(txHash)
	}

	metrics.RecordTransaction(operation, "confirmed")
	return receipt, nil
}

func withTxHash(err error, txHash string) error {
	var e *errs.Error
	if !errors.As(err, &e) {
		return errs.Wrap(err, errs.KindRPCUnavailable, "wait for receipt").WithTxHash(txHash)
	}
	if e.TxHash == "" {
		e.TxHash = txHash
	}
	return err
}
