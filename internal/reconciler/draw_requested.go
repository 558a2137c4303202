package reconciler

import (
	"context"

	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

// reconcileDrawRequests moves the round being drawn to CALCULATING when randomness is requested.
func (r *Reconciler) reconcileDrawRequests(ctx context.Context, logs []blockchain.LogEntry) error {
	for _, log := range logs {
		requestID, err := log.FieldBigInt("requestId")
		if err != nil {
			return err
		}

		applied, err := r.storage.ApplyDrawRequested(storage.DrawRequest{
			TxHash:      log.TxHash,
			RequestID:   requestID.String(),
			BlockNumber: log.BlockNumber,
			LogIndex:    log.LogIndex,
		})
		if err != nil {
			return err
		}
		if !applied {
			record(ClassDrawRequested, outcomeDuplicate)
			continue
		}

		record(ClassDrawRequested, outcomeApplied)
		logger.Info("draw requested: round calculating", zap.String("request id", requestID.String()), zap.String("tx", log.TxHash))

		r.emit(ctx, Event{
			Type:        DrawRequested,
			RequestID:   requestID.String(),
			TxHash:      log.TxHash,
			BlockNumber: log.BlockNumber,
		})
	}

	return nil
}
