package blockchain

import (
	"context"

	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
)

// VerifyContracts checks that the raffle and token addresses hold deployed code and
// that the raffle answers its entrance fee getter.
func (c *EthClient) VerifyContracts(ctx context.Context) error {
	logger.Debug("verify contracts: verifying contract addresses...")

	for _, contract := range []Contract{Raffle, Token} {
		address := c.AddressOf(contract)

		var code []byte
		err := c.executeWithFailover(ctx, "code_at", func(ctx context.Context, backend ethBackend) error {
			var innerErr error
			code, innerErr = backend.CodeAt(ctx, address, nil)
			return innerErr
		})
		if err != nil {
			logger.Error("verify contracts: failed to get contract code", zap.String("contract", string(contract)), zap.Error(err))
			return err
		}

		if len(code) == 0 {
			return errs.Newf(errs.KindConfiguration, "no contract deployed for %s", contract).WithAddress(address.Hex())
		}

		logger.Debug("verify contracts: contract code found", zap.String("contract", string(contract)), zap.String("address", address.Hex()), zap.Int("code size", len(code)))
	}

	fee, err := ViewBigInt(ctx, c, Raffle, FunctionGetEntranceFee)
	if err != nil {
		logger.Error("verify contracts: failed to read entrance fee, invalid raffle contract", zap.Error(err))
		return err
	}

	logger.Debug("verify contracts: verifying contract addresses... done", zap.String("entrance fee", fee.String()))
	return nil
}
