package storage

type Storage interface {
	// custodial account
	CreateAccount(identity, address, encryptedKey string) (*Account, error)
	GetAccountByIdentity(identity string) (*Account, error)
	GetAccountByAddress(address string) (*Account, error)
	MarkAccountEntered(identity string, blockNumber uint64) error

	// ledger operation
	GetOperation(txHash string) (*Operation, error)
	CreatePendingOperation(operation *Operation) error
	MarkOperationConfirmed(txHash string, gasUsed, blockNumber uint64) error
	MarkOperationFailed(txHash string, gasUsed, blockNumber uint64) error

	// reconciliation, each all-or-nothing; false means already applied
	ApplyDeposit(deposit Deposit) (bool, error)
	ApplyEntry(entry Entry) (bool, error)
	ApplyDrawRequested(request DrawRequest) (bool, error)
	ApplyWin(win Win) (bool, error)
	SkipUnknownWinner(win Win) (bool, error)

	// watermark
	GetWatermark(eventClass string) (uint64, bool, error)
	AdvanceWatermark(eventClass string, blockNumber uint64) error

	// raffle round
	GetCurrentRound() (*Round, error)
	CountActiveRounds() (int64, error)
	ListRounds(limit int) ([]*Round, error)

	Close() error
}
