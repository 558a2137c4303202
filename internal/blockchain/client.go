package blockchain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
)

// LogEntry is a decoded contract event. Fields holds every event argument by name,
// indexed ones included.
type LogEntry struct {
	Contract    Contract
	Event       string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Fields      map[string]interface{}
}

type Receipt struct {
	TxHash      string
	Successful  bool
	GasUsed     uint64
	BlockNumber uint64
}

// Client is the capability surface over the chain node. All methods fail with
// RPC_UNAVAILABLE (transient) or RPC_REJECTED (the node refused the call).
type Client interface {
	CallView(ctx context.Context, contract Contract, function string, args ...interface{}) ([]interface{}, error)
	// CallViewAt reads state as of blockNumber. Nodes without historical state reject it.
	CallViewAt(ctx context.Context, contract Contract, function string, blockNumber uint64, args ...interface{}) ([]interface{}, error)
	SendSigned(ctx context.Context, contract Contract, function string, key *ecdsa.PrivateKey, args ...interface{}) (string, error)
	// GetLogs returns logs ordered by block and log index, both bounds inclusive.
	GetLogs(ctx context.Context, contract Contract, event string, fromBlock, toBlock uint64) ([]LogEntry, error)
	// WaitForReceipt fails with CONFIRMATION_TIMEOUT once timeout elapses.
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	CurrentBlock(ctx context.Context) (uint64, error)
	AddressOf(contract Contract) common.Address
}

// ViewBigInt calls a view function returning a single uint256.
func ViewBigInt(ctx context.Context, client Client, contract Contract, function string, args ...interface{}) (*big.Int, error) {
	values, err := client.CallView(ctx, contract, function, args...)
	if err != nil {
		return nil, err
	}
	return bigIntValue(function, values)
}

// ViewBigIntAt is ViewBigInt against the state at blockNumber.
func ViewBigIntAt(ctx context.Context, client Client, contract Contract, function string, blockNumber uint64, args ...interface{}) (*big.Int, error) {
	values, err := client.CallViewAt(ctx, contract, function, blockNumber, args...)
	if err != nil {
		return nil, err
	}
	return bigIntValue(function, values)
}

func bigIntValue(function string, values []interface{}) (*big.Int, error) {
	if len(values) != 1 {
		return nil, errs.Newf(errs.KindRPCRejected, "%s returned %d values", function, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok || value == nil {
		return nil, errs.Newf(errs.KindRPCRejected, "%s returned %T, want uint256", function, values[0])
	}
	return value, nil
}

// ViewUint8 calls a view function returning a single uint8.
func ViewUint8(ctx context.Context, client Client, contract Contract, function string, args ...interface{}) (uint8, error) {
	values, err := client.CallView(ctx, contract, function, args...)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, errs.Newf(errs.KindRPCRejected, "%s returned %d values", function, len(values))
	}
	value, ok := values[0].(uint8)
	if !ok {
		return 0, errs.Newf(errs.KindRPCRejected, "%s returned %T, want uint8", function, values[0])
	}
	return value, nil
}

// ViewAddresses calls a view function returning address[].
func ViewAddresses(ctx context.Context, client Client, contract Contract, function string, args ...interface{}) ([]common.Address, error) {
	values, err := client.CallView(ctx, contract, function, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errs.Newf(errs.KindRPCRejected, "%s returned %d values", function, len(values))
	}
	value, ok := values[0].([]common.Address)
	if !ok {
		return nil, errs.Newf(errs.KindRPCRejected, "%s returned %T, want address[]", function, values[0])
	}
	return value, nil
}

// FieldAddress reads an address argument from a decoded log.
func (l LogEntry) FieldAddress(name string) (common.Address, error) {
	value, ok := l.Fields[name].(common.Address)
	if !ok {
		return common.Address{}, errs.Newf(errs.KindRPCRejected, "%s log %s: field %s is %T, want address", l.Event, l.TxHash, name, l.Fields[name])
	}
	return value, nil
}

// FieldBigInt reads a uint256 argument from a decoded log.
func (l LogEntry) FieldBigInt(name string) (*big.Int, error) {
	value, ok := l.Fields[name].(*big.Int)
	if !ok || value == nil {
		return nil, errs.Newf(errs.KindRPCRejected, "%s log %s: field %s is %T, want uint256", l.Event, l.TxHash, name, l.Fields[name])
	}
	return value, nil
}
