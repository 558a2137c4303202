package orchestrator

import (
	"context"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/metrics"
)

// TriggerDraw signs performUpkeep with the admin key and waits for its receipt.
// Authorization of the caller happens upstream.
func (o *Orchestrator) TriggerDraw(ctx context.Context) (*DrawResult, error) {
	if o.adminEncryptedKey == "" {
		return nil, errs.New(errs.KindConfiguration, "admin key is not configured")
	}

	key, err := o.vault.DecryptKey(o.adminEncryptedKey)
	if err != nil {
		logger.Error("trigger draw: admin key cannot be decrypted", zap.Error(err))
		return nil, err
	}
	defer keyvault.WipeKey(key)

	admin := crypto.PubkeyToAddress(key.PublicKey)
	unlock, err := o.lock(ctx, admin)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger.Info("trigger draw: performing upkeep...", zap.String("admin", admin.Hex()))
	txHash, err := o.client.SendSigned(ctx, blockchain.Raffle, blockchain.FunctionPerformUpkeep, key, []byte{})
	if err != nil {
		metrics.RecordTransaction(operationDraw, "rejected")
		return nil, withAddress(err, admin)
	}
	metrics.RecordTransaction(operationDraw, "sent")

	receipt, err := o.confirm(ctx, operationDraw, txHash)
	if err != nil {
		return nil, err
	}

	logger.Info("trigger draw: performing upkeep... done", zap.String("tx", txHash), zap.Uint64("block", receipt.BlockNumber))
	return &DrawResult{
		TxHash:      txHash,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber,
	}, nil
}
