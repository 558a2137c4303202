package orchestrator

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/metrics"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

const (
	operationApprove     = "approve"
	operationEnterRaffle = "enter_raffle"
	operationDraw        = "perform_upkeep"
)

// EnterRaffle runs balance check, approve (only when the allowance is short) and
// enterRaffle for account, waiting for each transaction to confirm. The PENDING
// ENTER_RAFFLE record is written as soon as the entry is broadcast.
func (o *Orchestrator) EnterRaffle(ctx context.Context, account *storage.Account) (*EntryResult, error) {
	address := common.HexToAddress(account.Address)
	raffle := o.client.AddressOf(blockchain.Raffle)

	unlock, err := o.lock(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger.Debug("enter raffle: decrypting account key...", zap.String("identity", account.Identity))
	key, err := o.vault.DecryptKey(account.EncryptedKey)
	if err != nil {
		logger.Error("enter raffle: account key cannot be decrypted", zap.String("identity", account.Identity), zap.Error(err))
		return nil, withAddress(err, address)
	}
	defer keyvault.WipeKey(key)

	fee, err := blockchain.ViewBigInt(ctx, o.client, blockchain.Raffle, blockchain.FunctionGetEntranceFee)
	if err != nil {
		return nil, err
	}

	balance, err := blockchain.ViewBigInt(ctx, o.client, blockchain.Token, blockchain.FunctionBalanceOf, address)
	if err != nil {
		return nil, withAddress(err, address)
	}

	if balance.Cmp(fee) < 0 {
		logger.Info("enter raffle: balance below entrance fee",
			zap.String("identity", account.Identity),
			zap.String("balance", balance.String()),
			zap.String("fee", fee.String()))
		return nil, errs.Newf(errs.KindInsufficientBalance, "balance %s below entrance fee", balance).
			WithAddress(address.Hex()).
			WithAmount(fee)
	}

	result := &EntryResult{Fee: fee}

	allowance, err := blockchain.ViewBigInt(ctx, o.client, blockchain.Token, blockchain.FunctionAllowance, address, raffle)
	if err != nil {
		return nil, withAddress(err, address)
	}

	if allowance.Cmp(fee) < 0 {
		logger.Debug("enter raffle: approving entrance fee...", zap.String("identity", account.Identity), zap.String("allowance", allowance.String()))

		approveHash, err := o.client.SendSigned(ctx, blockchain.Token, blockchain.FunctionApprove, key, raffle, fee)
		if err != nil {
			metrics.RecordTransaction(operationApprove, "rejected")
			return nil, withAddress(err, address)
		}
		metrics.RecordTransaction(operationApprove, "sent")
		result.ApproveTxHash = approveHash

		if _, err := o.confirm(ctx, operationApprove, approveHash); err != nil {
			return nil, withAddress(err, address)
		}

		logger.Debug("enter raffle: approving entrance fee... done", zap.String("tx", approveHash))
	}

	entryHash, err := o.client.SendSigned(ctx, blockchain.Raffle, blockchain.FunctionEnterRaffle, key)
	if err != nil {
		metrics.RecordTransaction(operationEnterRaffle, "rejected")
		return nil, withAddress(err, address)
	}
	metrics.RecordTransaction(operationEnterRaffle, "sent")
	result.TxHash = entryHash

	err = o.storage.CreatePendingOperation(&storage.Operation{
		TxHash:      entryHash,
		Identity:    account.Identity,
		Type:        storage.OperationEnterRaffle,
		FromAddress: address.Hex(),
		ToAddress:   raffle.Hex(),
		Amount:      storage.Amount(fee),
	})
	if err != nil {
		// the entry is already broadcast; the reconciler records it on observation
		logger.Error("enter raffle: failed to record pending entry", zap.String("tx", entryHash), zap.Error(err))
	}

	receipt, err := o.confirm(ctx, operationEnterRaffle, entryHash)
	if receipt != nil && !receipt.Successful {
		o.finish(entryHash, receipt, o.storage.MarkOperationFailed)
	}
	if err != nil {
		return nil, withAddress(err, address)
	}
	o.finish(entryHash, receipt, o.storage.MarkOperationConfirmed)

	result.GasUsed = receipt.GasUsed
	result.BlockNumber = receipt.BlockNumber

	logger.Info("enter raffle: entry confirmed",
		zap.String("identity", account.Identity),
		zap.String("tx", entryHash),
		zap.Uint64("block", receipt.BlockNumber))
	return result, nil
}

func (o *Orchestrator) finish(txHash string, receipt *blockchain.Receipt, mark func(string, uint64, uint64) error) {
	if err := mark(txHash, receipt.GasUsed, receipt.BlockNumber); err != nil {
		logger.Error("orchestrator: failed to update operation status", zap.String("tx", txHash), zap.Error(err))
	}
}

func withAddress(err error, address common.Address) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Address == "" {
		e.Address = address.Hex()
	}
	return err
}

