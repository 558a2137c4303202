package storage

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus = string

const (
	RoundOpen        RoundStatus = "OPEN"
	RoundCalculating RoundStatus = "CALCULATING"
	RoundClosed      RoundStatus = "CLOSED"
)

type OperationType = string

const (
	OperationDeposit     OperationType = "DEPOSIT"
	OperationEnterRaffle OperationType = "ENTER_RAFFLE"
	OperationWinPrize    OperationType = "WIN_PRIZE"
)

type OperationStatus = string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationConfirmed OperationStatus = "CONFIRMED"
	OperationFailed    OperationStatus = "FAILED"
)

// Account is a custodial wallet bound to one identity.
type Account struct {
	ID              uint            `gorm:"primaryKey"`
	Identity        string          `gorm:"uniqueIndex;not null"`
	Address         string          `gorm:"uniqueIndex;not null"`
	EncryptedKey    string          `gorm:"not null"`
	DepositBalance  decimal.Decimal `gorm:"type:text;not null;default:'0'"`
	TotalEntries    int64           `gorm:"not null;default:0"`
	TotalWinnings   decimal.Decimal `gorm:"type:text;not null;default:'0'"`
	InCurrentRaffle bool            `gorm:"not null;default:false"`
	LastEntryBlock  uint64          `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Round covers the entries logged after the previous round's close and up to its
// own WinnerPicked log. ParticipantCount and PoolTotal are derived from those entries.
type Round struct {
	ID               uint            `gorm:"primaryKey"`
	RoundID          int64           `gorm:"uniqueIndex;not null"`
	Status           RoundStatus     `gorm:"index;not null"`
	ParticipantCount int64           `gorm:"not null;default:0"`
	PoolTotal        decimal.Decimal `gorm:"type:text;not null;default:'0'"`
	WinnerAddress    *string
	PrizeAmount      decimal.NullDecimal `gorm:"type:text"`
	RequestID        *string
	RequestTxHash    *string `gorm:"uniqueIndex"`
	DrawBlock        *uint64
	CloseTxHash      *string `gorm:"uniqueIndex"`
	CloseBlock       *uint64 `gorm:"index"`
	CloseLogIndex    *uint
	StartedAt        time.Time `gorm:"not null"`
	EndedAt          *time.Time
}

// Operation mirrors one chain transaction. TxHash is the idempotency key shared by
// the submitting and the observing side; ReconciledAt is set once the log's effects
// have been applied to derived fields.
type Operation struct {
	ID           uint          `gorm:"primaryKey"`
	TxHash       string        `gorm:"uniqueIndex;not null"`
	Identity     string        `gorm:"index"`
	Type         OperationType `gorm:"index;not null"`
	FromAddress  string
	ToAddress    string
	Amount       decimal.Decimal `gorm:"type:text;not null;default:'0'"`
	Status       OperationStatus `gorm:"index;not null"`
	GasUsed      *uint64
	BlockNumber  *uint64
	LogIndex     *uint
	ReconciledAt *time.Time
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Watermark struct {
	EventClass  string `gorm:"primaryKey"`
	BlockNumber uint64 `gorm:"not null"`
	UpdatedAt   time.Time
}

// Deposit is a token transfer into a custodial address.
type Deposit struct {
	TxHash      string
	Identity    string
	From        string
	To          string
	Amount      *big.Int
	BlockNumber uint64
	LogIndex    uint
}

// Entry is one raffle entry. Identity is empty when the player is not custodial.
type Entry struct {
	TxHash      string
	Identity    string
	Player      string
	Fee         *big.Int
	BlockNumber uint64
	LogIndex    uint
}

type DrawRequest struct {
	TxHash      string
	RequestID   string
	BlockNumber uint64
	LogIndex    uint
}

// Win is a winner selection. Identity is empty when the winner is not custodial.
type Win struct {
	TxHash      string
	Identity    string
	Winner      string
	From        string
	Prize       *big.Int
	BlockNumber uint64
	LogIndex    uint
}

// Amount returns v as a decimal with zero exponent.
func Amount(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
