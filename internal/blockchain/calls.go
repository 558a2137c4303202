package blockchain

import (
	"context"
	"crypto/ecdsa"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
)

func (c *EthClient) binding(contract Contract) (binding, error) {
	b, ok := c.contracts[contract]
	if !ok {
		return binding{}, errs.Newf(errs.KindRPCRejected, "unknown contract %s", contract)
	}
	return b, nil
}

func (c *EthClient) CurrentBlock(ctx context.Context) (uint64, error) {
	var blockNumber uint64
	err := c.executeWithFailover(ctx, "block_number", func(ctx context.Context, backend ethBackend) error {
		var innerErr error
		blockNumber, innerErr = backend.BlockNumber(ctx)
		return innerErr
	})
	return blockNumber, err
}

func (c *EthClient) CallView(ctx context.Context, contract Contract, function string, args ...interface{}) ([]interface{}, error) {
	return c.callView(ctx, contract, function, nil, args)
}

func (c *EthClient) CallViewAt(ctx context.Context, contract Contract, function string, blockNumber uint64, args ...interface{}) ([]interface{}, error) {
	return c.callView(ctx, contract, function, new(big.Int).SetUint64(blockNumber), args)
}

// callView runs function against the state at blockNumber, or the latest state when nil.
func (c *EthClient) callView(ctx context.Context, contract Contract, function string, blockNumber *big.Int, args []interface{}) ([]interface{}, error) {
	b, err := c.binding(contract)
	if err != nil {
		return nil, err
	}

	data, err := b.abi.Pack(function, args...)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindRPCRejected, "encode "+function)
	}

	var output []byte
	err = c.executeWithFailover(ctx, "call_"+function, func(ctx context.Context, backend ethBackend) error {
		var innerErr error
		output, innerErr = backend.CallContract(ctx, ethereum.CallMsg{To: &b.address, Data: data}, blockNumber)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	values, err := b.abi.Unpack(function, output)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindRPCRejected, "decode "+function).WithAddress(b.address.Hex())
	}
	return values, nil
}

// SendSigned builds, signs and broadcasts a legacy transaction. The gas limit is the
// node's estimate scaled by the configured multiplier; the gas price is the node's
// suggestion as is.
func (c *EthClient) SendSigned(ctx context.Context, contract Contract, function string, key *ecdsa.PrivateKey, args ...interface{}) (string, error) {
	b, err := c.binding(contract)
	if err != nil {
		return "", err
	}

	data, err := b.abi.Pack(function, args...)
	if err != nil {
		return "", errs.Wrap(err, errs.KindRPCRejected, "encode "+function)
	}

	from := crypto.PubkeyToAddress(key.PublicKey)

	var nonce uint64
	err = c.executeWithFailover(ctx, "pending_nonce", func(ctx context.Context, backend ethBackend) error {
		var innerErr error
		nonce, innerErr = backend.PendingNonceAt(ctx, from)
		return innerErr
	})
	if err != nil {
		return "", withAddress(err, from)
	}

	var gasPrice *big.Int
	err = c.executeWithFailover(ctx, "gas_price", func(ctx context.Context, backend ethBackend) error {
		var innerErr error
		gasPrice, innerErr = backend.SuggestGasPrice(ctx)
		return innerErr
	})
	if err != nil {
		return "", err
	}

	var estimate uint64
	err = c.executeWithFailover(ctx, "estimate_gas", func(ctx context.Context, backend ethBackend) error {
		var innerErr error
		estimate, innerErr = backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       &b.address,
			GasPrice: gasPrice,
			Data:     data,
		})
		return innerErr
	})
	if err != nil {
		return "", withAddress(err, from)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.gasLimit(estimate),
		To:       &b.address,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", errs.Wrap(err, errs.KindRPCRejected, "sign "+function).WithAddress(from.Hex())
	}
	hash := signed.Hash().Hex()

	err = c.executeWithFailover(ctx, "send_transaction", func(ctx context.Context, backend ethBackend) error {
		innerErr := backend.SendTransaction(ctx, signed)
		if innerErr != nil && strings.Contains(innerErr.Error(), "already known") {
			return nil
		}
		return innerErr
	})
	if err != nil {
		return "", withTxHash(withAddress(err, from), hash)
	}

	logger.Info("blockchain: transaction sent",
		zap.String("function", function),
		zap.String("from", from.Hex()),
		zap.String("tx", hash),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", signed.Gas()))
	return hash, nil
}

func (c *EthClient) gasLimit(estimate uint64) uint64 {
	multiplier := c.gasMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return uint64(math.Ceil(float64(estimate) * multiplier))
}

// WaitForReceipt polls for the receipt until it exists or timeout elapses. Transient
// lookup failures inside the window are tolerated.
func (c *EthClient) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.receiptPollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := c.executeWithFailover(waitCtx, "transaction_receipt", func(ctx context.Context, backend ethBackend) error {
			var innerErr error
			receipt, innerErr = backend.TransactionReceipt(ctx, hash)
			return innerErr
		})

		switch {
		case err == nil && receipt != nil:
			return &Receipt{
				TxHash:      txHash,
				Successful:  receipt.Status == types.ReceiptStatusSuccessful,
				GasUsed:     receipt.GasUsed,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		case errs.KindOf(err) == errs.KindRPCRejected:
			return nil, withTxHash(err, txHash)
		default:
			logger.Debug("blockchain: receipt lookup failed, polling on", zap.String("tx", txHash), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errs.Wrap(ctx.Err(), errs.KindRPCUnavailable, "wait for receipt").WithTxHash(txHash)
			}
			return nil, errs.Newf(errs.KindConfirmationTimeout, "receipt not observed within %s", timeout).WithTxHash(txHash)
		case <-ticker.C:
		}
	}
}

// GetLogs fetches and decodes event logs emitted by contract in [fromBlock, toBlock].
func (c *EthClient) GetLogs(ctx context.Context, contract Contract, event string, fromBlock, toBlock uint64) ([]LogEntry, error) {
	b, err := c.binding(contract)
	if err != nil {
		return nil, err
	}

	definition, ok := b.abi.Events[event]
	if !ok {
		return nil, errs.Newf(errs.KindRPCRejected, "unknown event %s on %s", event, contract)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{b.address},
		Topics:    [][]common.Hash{{definition.ID}},
	}

	var logs []types.Log
	err = c.executeWithFailover(ctx, "filter_logs", func(ctx context.Context, backend ethBackend) error {
		var innerErr error
		logs, innerErr = backend.FilterLogs(ctx, query)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	entries := make([]LogEntry, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}

		fields, err := decodeLog(b.abi, definition, log)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindRPCRejected, "decode "+event).WithTxHash(log.TxHash.Hex())
		}

		entries = append(entries, LogEntry{
			Contract:    contract,
			Event:       event,
			TxHash:      log.TxHash.Hex(),
			BlockNumber: log.BlockNumber,
			LogIndex:    log.Index,
			Fields:      fields,
		})
	}

	return entries, nil
}

func decodeLog(contractABI abi.ABI, definition abi.Event, log types.Log) (map[string]interface{}, error) {
	fields := make(map[string]interface{})

	if len(log.Data) > 0 {
		if err := contractABI.UnpackIntoMap(fields, definition.Name, log.Data); err != nil {
			return nil, err
		}
	}

	var indexed abi.Arguments
	for _, input := range definition.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(log.Topics) < len(indexed)+1 {
		return nil, errors.Errorf("log has %d topics, want %d", len(log.Topics), len(indexed)+1)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, err
	}

	return fields, nil
}

func withAddress(err error, address common.Address) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Address == "" {
		e.Address = address.Hex()
	}
	return err
}

func withTxHash(err error, txHash string) error {
	var e *errs.Error
	if errors.As(err, &e) && e.TxHash == "" {
		e.TxHash = txHash
	}
	return err
}
