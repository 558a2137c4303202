// Package errs holds the typed failure taxonomy shared by the ledger components.
//
// Every failure that crosses a component boundary is an *Error carrying a Kind and
// whatever context (transaction hash, address, amount) the caller needs to render it.
package errs

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration          Kind = "CONFIGURATION"
	KindRPCUnavailable         Kind = "RPC_UNAVAILABLE"
	KindRPCRejected            Kind = "RPC_REJECTED"
	KindChainTransactionFailed Kind = "CHAIN_TRANSACTION_FAILED"
	KindConfirmationTimeout    Kind = "CONFIRMATION_TIMEOUT"
	KindDecryption             Kind = "DECRYPTION"
	KindInsufficientBalance    Kind = "INSUFFICIENT_BALANCE"
	KindRaffleNotOpen          Kind = "RAFFLE_NOT_OPEN"
	KindUnknownAccount         Kind = "UNKNOWN_ACCOUNT"
	KindNotFound               Kind = "NOT_FOUND"
	KindStorage                Kind = "STORAGE"
)

// Sentinels for errors.Is; matching is by Kind only.
var (
	ErrConfiguration          = &Error{Kind: KindConfiguration}
	ErrRPCUnavailable         = &Error{Kind: KindRPCUnavailable}
	ErrRPCRejected            = &Error{Kind: KindRPCRejected}
	ErrChainTransactionFailed = &Error{Kind: KindChainTransactionFailed}
	ErrConfirmationTimeout    = &Error{Kind: KindConfirmationTimeout}
	ErrDecryption             = &Error{Kind: KindDecryption}
	ErrInsufficientBalance    = &Error{Kind: KindInsufficientBalance}
	ErrRaffleNotOpen          = &Error{Kind: KindRaffleNotOpen}
	ErrUnknownAccount         = &Error{Kind: KindUnknownAccount}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrStorage                = &Error{Kind: KindStorage}
)

// Error is a classified failure with audit context.
type Error struct {
	Kind    Kind
	Message string
	TxHash  string
	Address string
	Amount  *big.Int
	Cause   error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.TxHash != "" {
		b.WriteString(" tx=")
		b.WriteString(e.TxHash)
	}
	if e.Address != "" {
		b.WriteString(" address=")
		b.WriteString(e.Address)
	}
	if e.Amount != nil {
		b.WriteString(" amount=")
		b.WriteString(e.Amount.String())
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) WithTxHash(hash string) *Error {
	e.TxHash = hash
	return e
}

func (e *Error) WithAddress(address string) *Error {
	e.Address = address
	return e
}

func (e *Error) WithAmount(amount *big.Int) *Error {
	if amount != nil {
		e.Amount = new(big.Int).Set(amount)
	}
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRPCUnavailable
}

// IsRejection reports whether err is an expected business-rule rejection
// rather than a fault.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindInsufficientBalance, KindRaffleNotOpen, KindUnknownAccount:
		return true
	default:
		return false
	}
}
