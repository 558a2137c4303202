package reconciler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

// reconcileDeposits credits token transfers into custodial addresses. Transfers sent
// by the raffle contract are prize payouts and belong to the winner class.
func (r *Reconciler) reconcileDeposits(ctx context.Context, logs []blockchain.LogEntry) error {
	raffle := r.client.AddressOf(blockchain.Raffle)

	for _, log := range logs {
		from, err := log.FieldAddress("from")
		if err != nil {
			return err
		}
		to, err := log.FieldAddress("to")
		if err != nil {
			return err
		}
		value, err := log.FieldBigInt("value")
		if err != nil {
			return err
		}

		if from == raffle {
			record(ClassDeposit, outcomeSkipped)
			continue
		}

		account, err := r.storage.GetAccountByAddress(to.Hex())
		if errors.Is(err, errs.ErrNotFound) {
			record(ClassDeposit, outcomeSkipped)
			continue
		}
		if err != nil {
			return err
		}

		applied, err := r.storage.ApplyDeposit(storage.Deposit{
			TxHash:      log.TxHash,
			Identity:    account.Identity,
			From:        from.Hex(),
			To:          to.Hex(),
			Amount:      value,
			BlockNumber: log.BlockNumber,
			LogIndex:    log.LogIndex,
		})
		if err != nil {
			return err
		}
		if !applied {
			record(ClassDeposit, outcomeDuplicate)
			continue
		}

		record(ClassDeposit, outcomeApplied)
		logger.Info("deposit: confirmed",
			zap.String("identity", account.Identity),
			zap.String("amount", value.String()),
			zap.String("tx", log.TxHash))

		r.emit(ctx, Event{
			Type:        DepositConfirmed,
			Identity:    account.Identity,
			Address:     to.Hex(),
			Amount:      value,
			TxHash:      log.TxHash,
			BlockNumber: log.BlockNumber,
		})
	}

	return nil
}
