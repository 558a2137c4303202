package blockchain

import (
	"context"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/metrics"
)

const (
	rateLimitRetryDelay = 500 * time.Millisecond
	rateLimitRetries    = 5
	receiptPollInterval = time.Second
)

// ethBackend is the part of *ethclient.Client the ledger client relies on.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

type endpoint struct {
	url     string
	backend ethBackend
}

type binding struct {
	address common.Address
	abi     abi.ABI
}

type Options struct {
	URLs          []string
	ChainID       int64
	RaffleAddress common.Address
	TokenAddress  common.Address
	RPCTimeout    time.Duration
	GasMultiplier float64
	RateLimit     float64
}

// EthClient implements Client over one or more JSON-RPC endpoints with round-robin
// failover, request throttling and bounded HTTP 429 retry.
type EthClient struct {
	endpoints []endpoint
	index     uint64

	chainID       *big.Int
	contracts     map[Contract]binding
	limiter       *rate.Limiter
	timeout       time.Duration
	gasMultiplier float64

	receiptPollInterval time.Duration
	retryDelay          time.Duration
}

// Dial connects to every URL, dropping endpoints that are unreachable or report a
// different chain id. It fails with RPC_UNAVAILABLE when none remain.
func Dial(ctx context.Context, options Options) (*EthClient, error) {
	logger.Debug("blockchain: connecting rpc endpoints...", zap.Int("count", len(options.URLs)))

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	endpoints := make([]endpoint, 0, len(options.URLs))
	for _, url := range options.URLs {
		client, err := ethclient.DialContext(dialCtx, url)
		if err != nil {
			logger.Warn("blockchain: failed to connect to rpc endpoint, skipping", zap.String("url", url), zap.Error(err))
			metrics.SetEndpointHealth(url, false)
			continue
		}

		chainID, err := client.ChainID(dialCtx)
		if err != nil {
			logger.Warn("blockchain: failed to verify chain id, keeping endpoint", zap.String("url", url), zap.Error(err))
		} else if chainID.Int64() != options.ChainID {
			client.Close()
			logger.Warn("blockchain: chain id mismatch, closing endpoint",
				zap.String("url", url),
				zap.Int64("expected chain id", options.ChainID),
				zap.Int64("actual chain id", chainID.Int64()))
			metrics.SetEndpointHealth(url, false)
			continue
		}

		endpoints = append(endpoints, endpoint{url: url, backend: client})
		metrics.SetEndpointHealth(url, true)
		logger.Info("blockchain: connected to rpc endpoint", zap.String("url", url))
	}

	if len(endpoints) == 0 {
		return nil, errs.New(errs.KindRPCUnavailable, "failed to connect to any rpc endpoint")
	}

	logger.Debug("blockchain: connecting rpc endpoints... done", zap.Int("connected", len(endpoints)))
	return newEthClient(endpoints, options), nil
}

func newEthClient(endpoints []endpoint, options Options) *EthClient {
	limit := rate.Inf
	burst := 1
	if options.RateLimit > 0 {
		limit = rate.Limit(options.RateLimit)
		burst = max(1, int(options.RateLimit))
	}

	return &EthClient{
		endpoints: endpoints,
		chainID:   big.NewInt(options.ChainID),
		contracts: map[Contract]binding{
			Raffle: {address: options.RaffleAddress, abi: RaffleABI},
			Token:  {address: options.TokenAddress, abi: TokenABI},
		},
		limiter:             rate.NewLimiter(limit, burst),
		timeout:             options.RPCTimeout,
		gasMultiplier:       options.GasMultiplier,
		receiptPollInterval: receiptPollInterval,
		retryDelay:          rateLimitRetryDelay,
	}
}

func (c *EthClient) AddressOf(contract Contract) common.Address {
	return c.contracts[contract].address
}

func (c *EthClient) Close() {
	for _, e := range c.endpoints {
		e.backend.Close()
	}
}

// executeWithFailover runs fn against endpoints in round-robin order. Rejections and
// "not found" answers are returned at once; transport failures move on to the next
// endpoint and surface as RPC_UNAVAILABLE once every endpoint has failed.
func (c *EthClient) executeWithFailover(ctx context.Context, operation string, fn func(context.Context, ethBackend) error) error {
	var lastErr error

	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(err, errs.KindRPCUnavailable, operation)
		}

		index := atomic.AddUint64(&c.index, 1) - 1
		e := c.endpoints[index%uint64(len(c.endpoints))]

		err := c.rateLimitRetry(ctx, func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			callCtx, cancel := c.callContext(ctx)
			defer cancel()
			return fn(callCtx, e.backend)
		})

		if err == nil {
			metrics.RecordRPCRequest(operation, "ok")
			return nil
		}

		if errors.Is(err, ethereum.NotFound) {
			metrics.RecordRPCRequest(operation, "not_found")
			return err
		}

		classified := classify(err, operation)
		if errs.KindOf(classified) == errs.KindRPCRejected {
			metrics.RecordRPCRequest(operation, "rejected")
			return classified
		}

		metrics.RecordRPCRequest(operation, "unavailable")
		metrics.SetEndpointHealth(e.url, false)
		logger.Warn("blockchain: operation failed, trying next endpoint",
			zap.String("operation", operation),
			zap.String("url", e.url),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		lastErr = err
	}

	return errs.Wrap(lastErr, errs.KindRPCUnavailable, operation+" failed on every endpoint")
}

// rateLimitRetry retries fn while the endpoint answers HTTP 429, a bounded number of times.
func (c *EthClient) rateLimitRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= rateLimitRetries || !isRateLimited(err) {
			return err
		}

		logger.Debug("blockchain: rate limited, retrying", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *EthClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func isRateLimited(err error) bool {
	var httpErr rpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// classify maps a go-ethereum error onto the error taxonomy. Errors the node answered
// (JSON-RPC errors, reverts, 4xx) are rejections; everything else is transient.
func classify(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != "" {
		return err
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError {
			return errs.Wrap(err, errs.KindRPCUnavailable, operation)
		}
		return errs.Wrap(err, errs.KindRPCRejected, operation)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return errs.Wrap(err, errs.KindRPCRejected, operation)
	}

	return errs.Wrap(err, errs.KindRPCUnavailable, operation)
}
