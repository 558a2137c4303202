package reconciler

import (
	"context"
	"math/big"
)

type EventType string

const (
	DepositConfirmed     EventType = "DEPOSIT_CONFIRMED"
	RaffleEntryConfirmed EventType = "RAFFLE_ENTRY_CONFIRMED"
	DrawRequested        EventType = "DRAW_REQUESTED"
	WinnerSelected       EventType = "WINNER_SELECTED"
)

// Event is a reconciled domain event. Delivery is at-least-once; consumers that need
// exactly-once deduplicate by TxHash.
type Event struct {
	Type        EventType
	Identity    string
	Address     string
	Amount      *big.Int
	RequestID   string
	TxHash      string
	BlockNumber uint64
}

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// ChannelSink delivers events on a channel, blocking until the consumer receives
// them or ctx is done.
type ChannelSink chan Event

func (s ChannelSink) Emit(ctx context.Context, event Event) error {
	select {
	case s <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) error { return nil }
