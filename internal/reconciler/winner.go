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

// reconcileWinners credits the winner and closes the round. A winner that is not a
// custodial account is logged and skipped: the round still closes but no operation
// record is written.
func (r *Reconciler) reconcileWinners(ctx context.Context, logs []blockchain.LogEntry) error {
	raffle := r.client.AddressOf(blockchain.Raffle)

	for _, log := range logs {
		winner, err := log.FieldAddress("winner")
		if err != nil {
			return err
		}
		prize, err := log.FieldBigInt("prizeAmount")
		if err != nil {
			return err
		}

		win := storage.Win{
			TxHash:      log.TxHash,
			Winner:      winner.Hex(),
			From:        raffle.Hex(),
			Prize:       prize,
			BlockNumber: log.BlockNumber,
			LogIndex:    log.LogIndex,
		}

		account, err := r.storage.GetAccountByAddress(winner.Hex())
		if errors.Is(err, errs.ErrNotFound) {
			logger.Info("winner: not a custodial account, skipping",
				zap.String("winner", winner.Hex()),
				zap.String("prize", prize.String()),
				zap.String("tx", log.TxHash))
			if _, err := r.storage.SkipUnknownWinner(win); err != nil {
				return err
			}
			record(ClassWinner, outcomeSkipped)
			continue
		}
		if err != nil {
			return err
		}

		win.Identity = account.Identity
		applied, err := r.storage.ApplyWin(win)
		if err != nil {
			return err
		}
		if !applied {
			record(ClassWinner, outcomeDuplicate)
			continue
		}

		record(ClassWinner, outcomeApplied)
		logger.Info("winner: selected",
			zap.String("identity", account.Identity),
			zap.String("prize", prize.String()),
			zap.String("tx", log.TxHash))

		r.emit(ctx, Event{
			Type:        WinnerSelected,
			Identity:    account.Identity,
			Address:     winner.Hex(),
			Amount:      prize,
			TxHash:      log.TxHash,
			BlockNumber: log.BlockNumber,
		})
	}

	return nil
}
