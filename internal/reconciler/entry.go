package reconciler

import (
	"context"
	"errors"
	"math/big"

	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

// reconcileEntries counts raffle entries into the active round. Entries by addresses
// this service does not hold still count; they only lack an identity.
func (r *Reconciler) reconcileEntries(ctx context.Context, logs []blockchain.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}

	fees := make(map[uint64]*big.Int)

	for _, log := range logs {
		player, err := log.FieldAddress("player")
		if err != nil {
			return err
		}

		identity := ""
		account, err := r.storage.GetAccountByAddress(player.Hex())
		switch {
		case err == nil:
			identity = account.Identity
		case errors.Is(err, errs.ErrNotFound):
			logger.Debug("entry: player is not a custodial account", zap.String("player", player.Hex()), zap.String("tx", log.TxHash))
		default:
			return err
		}

		fee, ok := fees[log.BlockNumber]
		if !ok {
			if fee, err = r.entranceFeeAt(ctx, log.BlockNumber); err != nil {
				return err
			}
			fees[log.BlockNumber] = fee
		}

		applied, err := r.storage.ApplyEntry(storage.Entry{
			TxHash:      log.TxHash,
			Identity:    identity,
			Player:      player.Hex(),
			Fee:         fee,
			BlockNumber: log.BlockNumber,
			LogIndex:    log.LogIndex,
		})
		if err != nil {
			return err
		}
		if !applied {
			record(ClassEntry, outcomeDuplicate)
			continue
		}

		record(ClassEntry, outcomeApplied)
		if identity == "" {
			continue
		}

		logger.Info("entry: confirmed", zap.String("identity", identity), zap.String("tx", log.TxHash))
		r.emit(ctx, Event{
			Type:        RaffleEntryConfirmed,
			Identity:    identity,
			Address:     player.Hex(),
			TxHash:      log.TxHash,
			BlockNumber: log.BlockNumber,
		})
	}

	return nil
}

// entranceFeeAt reads the fee in force at block. Nodes that prune historical state
// reject the read, and the current fee is used instead.
func (r *Reconciler) entranceFeeAt(ctx context.Context, block uint64) (*big.Int, error) {
	fee, err := blockchain.ViewBigIntAt(ctx, r.client, blockchain.Raffle, blockchain.FunctionGetEntranceFee, block)
	if err == nil || !errors.Is(err, errs.ErrRPCRejected) {
		return fee, err
	}

	logger.Warn("entry: historical fee unavailable, using current fee", zap.Uint64("block", block), zap.Error(err))
	return blockchain.ViewBigInt(ctx, r.client, blockchain.Raffle, blockchain.FunctionGetEntranceFee)
}
