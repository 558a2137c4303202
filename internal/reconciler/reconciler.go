// Package reconciler mirrors on-chain raffle and token events into the local ledger.
//
// Each event class is polled independently. A cycle scans [watermark, current block]
// in windows of at most MaxBlockRange blocks, applies every log keyed by its
// transaction hash, and advances the watermark only after a window is fully applied.
// Re-scanning a range is a no-op because application is deduplicated per hash.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/metrics"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

type EventClass string

const (
	ClassDeposit       EventClass = "deposit"
	ClassEntry         EventClass = "entry"
	ClassDrawRequested EventClass = "draw_requested"
	ClassWinner        EventClass = "winner"
)

// Classes lists every event class in polling order.
var Classes = []EventClass{ClassDeposit, ClassEntry, ClassDrawRequested, ClassWinner}

type State string

const (
	StateScanning State = "SCANNING"
	StateBackoff  State = "BACKOFF"
)

type Status struct {
	State         State
	Watermark     uint64
	NextAttemptAt time.Time
	LastError     error
}

type Options struct {
	PollInterval  time.Duration
	MaxBlockRange uint64
	// StartBlock is the first block scanned for a class without a stored watermark.
	// When nil, scanning starts StartLookback blocks behind the current block.
	StartBlock    *uint64
	StartLookback uint64
	Clock         Clock
}

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeDuplicate outcome = "duplicate"
	outcomeSkipped   outcome = "skipped"
)

// classSource binds an event class to the contract event it consumes.
type classSource struct {
	contract  blockchain.Contract
	event     string
	reconcile func(ctx context.Context, logs []blockchain.LogEntry) error
}

type Reconciler struct {
	client  blockchain.Client
	storage storage.Storage
	sink    Sink
	options Options
	clock   Clock
	sources map[EventClass]classSource

	mu     sync.Mutex
	status map[EventClass]Status
}

func New(client blockchain.Client, store storage.Storage, sink Sink, options Options) *Reconciler {
	if sink == nil {
		sink = discardSink{}
	}
	if options.Clock == nil {
		options.Clock = systemClock{}
	}
	if options.MaxBlockRange == 0 {
		options.MaxBlockRange = 500
	}

	r := &Reconciler{
		client:  client,
		storage: store,
		sink:    sink,
		options: options,
		clock:   options.Clock,
		status:  make(map[EventClass]Status),
	}

	r.sources = map[EventClass]classSource{
		ClassDeposit:       {contract: blockchain.Token, event: blockchain.EventTransfer, reconcile: r.reconcileDeposits},
		ClassEntry:         {contract: blockchain.Raffle, event: blockchain.EventRaffleEnter, reconcile: r.reconcileEntries},
		ClassDrawRequested: {contract: blockchain.Raffle, event: blockchain.EventRequestedRaffleWinner, reconcile: r.reconcileDrawRequests},
		ClassWinner:        {contract: blockchain.Raffle, event: blockchain.EventWinnerPicked, reconcile: r.reconcileWinners},
	}

	for _, class := range Classes {
		r.status[class] = Status{State: StateScanning}
	}

	return r
}

// State reports the current state of one event class.
func (r *Reconciler) State(class EventClass) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[class]
}

// Run polls every class until ctx is done. Fetch errors put a class into BACKOFF for
// one poll interval; the loop never gives up. A batch in flight when ctx is cancelled
// is finished before the class stops.
func (r *Reconciler) Run(ctx context.Context) error {
	logger.Info("reconciler: starting pollers", zap.Duration("poll interval", r.options.PollInterval))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, class := range Classes {
		class := class
		group.Go(func() error {
			return r.runClass(groupCtx, class)
		})
	}

	err := group.Wait()
	logger.Info("reconciler: pollers stopped")
	return err
}

// RunOnce performs a single cycle for every class and returns the first error.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	var first error
	for _, class := range Classes {
		if err := r.cycle(ctx, class); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Reconciler) runClass(ctx context.Context, class EventClass) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = r.cycle(ctx, class)

		if err := r.clock.Sleep(ctx, r.options.PollInterval); err != nil {
			return nil
		}
	}
}

// cycle runs one poll for class and records the resulting state.
func (r *Reconciler) cycle(ctx context.Context, class EventClass) error {
	err := r.poll(ctx, class)

	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.status[class]
	if err != nil {
		metrics.PollErrors.WithLabelValues(string(class)).Inc()
		status.State = StateBackoff
		status.NextAttemptAt = r.clock.Now().Add(r.options.PollInterval)
		status.LastError = err
		log := logger.Error
		if errs.IsRetryable(err) {
			log = logger.Warn
		}
		log("reconciler: poll failed, backing off",
			zap.String("class", string(class)),
			zap.Time("next attempt", status.NextAttemptAt),
			zap.Error(err))
	} else {
		status.State = StateScanning
		status.NextAttemptAt = time.Time{}
		status.LastError = nil
	}
	r.status[class] = status

	return err
}

// poll scans [watermark, current] for class. Work already started is carried on a
// context detached from ctx so that cancellation stops the loop only between windows.
func (r *Reconciler) poll(ctx context.Context, class EventClass) error {
	source := r.sources[class]
	work := context.WithoutCancel(ctx)

	current, err := r.client.CurrentBlock(work)
	if err != nil {
		return err
	}

	watermark, err := r.startingBlock(class, current)
	if err != nil {
		return err
	}

	if current < watermark {
		logger.Debug("reconciler: current block behind watermark, nothing to scan",
			zap.String("class", string(class)),
			zap.Uint64("current", current),
			zap.Uint64("watermark", watermark))
		return nil
	}

	for from := watermark; from <= current; {
		to := min(from+r.options.MaxBlockRange-1, current)

		logger.Debug("reconciler: scanning window...",
			zap.String("class", string(class)),
			zap.Uint64("from", from),
			zap.Uint64("to", to))

		logs, err := r.client.GetLogs(work, source.contract, source.event, from, to)
		if err != nil {
			return err
		}

		if err := source.reconcile(work, logs); err != nil {
			return err
		}

		if err := r.storage.AdvanceWatermark(string(class), to); err != nil {
			return err
		}
		r.setWatermark(class, to)

		logger.Debug("reconciler: scanning window... done",
			zap.String("class", string(class)),
			zap.Int("logs", len(logs)))

		if ctx.Err() != nil {
			return nil
		}
		from = to + 1
	}

	return nil
}

// startingBlock returns the stored watermark for class, or the configured start when
// the class has never been scanned.
func (r *Reconciler) startingBlock(class EventClass, current uint64) (uint64, error) {
	watermark, ok, err := r.storage.GetWatermark(string(class))
	if err != nil {
		return 0, err
	}
	if ok {
		return watermark, nil
	}

	if r.options.StartBlock != nil {
		return *r.options.StartBlock, nil
	}
	if current < r.options.StartLookback {
		return 0, nil
	}
	return current - r.options.StartLookback, nil
}

func (r *Reconciler) setWatermark(class EventClass, block uint64) {
	metrics.Watermark.WithLabelValues(string(class)).Set(float64(block))

	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status[class]
	status.Watermark = block
	r.status[class] = status
}

func (r *Reconciler) emit(ctx context.Context, event Event) {
	if err := r.sink.Emit(ctx, event); err != nil {
		logger.Warn("reconciler: failed to emit event",
			zap.String("type", string(event.Type)),
			zap.String("tx", event.TxHash),
			zap.Error(err))
	}
}

func record(class EventClass, result outcome) {
	metrics.RecordReconciled(string(class), string(result))
}
