package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
)

type SqliteStorage struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSqliteStorage opens (or creates) the database at path and migrates the schema.
// All access goes through a single connection, so transactions serialize.
func NewSqliteStorage(path string) (*SqliteStorage, error) {
	logger.Debug("initializing database...", zap.String("path", path))

	gormLog := zapgorm2.New(logger.Logger())
	gormLog.IgnoreRecordNotFoundError = true

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLog.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, storageError(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError(err, "get database handle")
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&Account{},
		&Round{},
		&Operation{},
		&Watermark{},
	)
	if err != nil {
		return nil, storageError(err, "migrate schema")
	}

	logger.Debug("initializing database... done")
	return &SqliteStorage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SqliteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageError(err, "get database handle")
	}
	return storageError(sqlDB.Close(), "close database")
}

func (s *SqliteStorage) CreateAccount(identity, address, encryptedKey string) (*Account, error) {
	logger.Debug("creating custodial account...", zap.String("identity", identity))

	account := &Account{
		Identity:       identity,
		Address:        normalizeAddress(address),
		EncryptedKey:   encryptedKey,
		DepositBalance: decimal.Zero,
		TotalWinnings:  decimal.Zero,
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoNothing: true,
	}).Create(account).Error
	if err != nil {
		return nil, storageError(err, "create account")
	}

	logger.Debug("creating custodial account... done", zap.String("identity", identity))
	return s.GetAccountByIdentity(identity)
}

func (s *SqliteStorage) GetAccountByIdentity(identity string) (*Account, error) {
	var account Account
	err := s.db.Where("identity = ?", identity).First(&account).Error
	if err != nil {
		return nil, lookupError(err, "account", identity)
	}
	return &account, nil
}

func (s *SqliteStorage) GetAccountByAddress(address string) (*Account, error) {
	var account Account
	err := s.db.Where("address = ?", normalizeAddress(address)).First(&account).Error
	if err != nil {
		return nil, lookupError(err, "account", address)
	}
	return &account, nil
}

// MarkAccountEntered records a confirmed entry at blockNumber. The entered flag is
// left alone when a round has already closed after that block.
func (s *SqliteStorage) MarkAccountEntered(identity string, blockNumber uint64) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var closedAfter int64
		if err := tx.Model(&Round{}).Where("close_block > ?", blockNumber).Count(&closedAfter).Error; err != nil {
			return errors.Wrap(err, "check closed rounds")
		}

		fields := map[string]interface{}{
			"last_entry_block": gorm.Expr("max(last_entry_block, ?)", blockNumber),
		}
		if closedAfter == 0 {
			fields["in_current_raffle"] = true
		}

		result := tx.Model(&Account{}).Where("identity = ?", identity).Updates(fields)
		if result.Error != nil {
			return errors.Wrap(result.Error, "mark account entered")
		}
		if result.RowsAffected == 0 {
			return errs.Newf(errs.KindNotFound, "account %s not found", identity)
		}
		return nil
	})
	return storageError(err, "mark account entered")
}

func (s *SqliteStorage) GetOperation(txHash string) (*Operation, error) {
	var operation Operation
	err := s.db.Where("tx_hash = ?", txHash).First(&operation).Error
	if err != nil {
		return nil, lookupError(err, "operation", txHash)
	}
	return &operation, nil
}

// CreatePendingOperation inserts the record unless one with the same hash exists.
func (s *SqliteStorage) CreatePendingOperation(operation *Operation) error {
	operation.Status = OperationPending
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(operation).Error
	return storageError(err, "create pending operation")
}

func (s *SqliteStorage) MarkOperationConfirmed(txHash string, gasUsed, blockNumber uint64) error {
	now := s.now()
	return s.finishOperation(txHash, map[string]interface{}{
		"status":       OperationConfirmed,
		"gas_used":     gasUsed,
		"block_number": blockNumber,
		"confirmed_at": now,
	})
}

func (s *SqliteStorage) MarkOperationFailed(txHash string, gasUsed, blockNumber uint64) error {
	return s.finishOperation(txHash, map[string]interface{}{
		"status":       OperationFailed,
		"gas_used":     gasUsed,
		"block_number": blockNumber,
	})
}

func (s *SqliteStorage) finishOperation(txHash string, fields map[string]interface{}) error {
	result := s.db.Model(&Operation{}).Where("tx_hash = ?", txHash).Updates(fields)
	if result.Error != nil {
		return storageError(result.Error, "update operation")
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "operation %s not found", txHash)
	}
	return nil
}

func (s *SqliteStorage) ApplyDeposit(deposit Deposit) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		done, err := isReconciled(tx, deposit.TxHash)
		if err != nil || done {
			return err
		}

		var account Account
		if err := tx.Where("identity = ?", deposit.Identity).First(&account).Error; err != nil {
			return lookupError(err, "account", deposit.Identity)
		}

		err = tx.Model(&Account{}).Where("id = ?", account.ID).
			Update("deposit_balance", account.DepositBalance.Add(Amount(deposit.Amount))).Error
		if err != nil {
			return errors.Wrap(err, "credit deposit")
		}

		if err := s.upsertReconciled(tx, &Operation{
			TxHash:      deposit.TxHash,
			Identity:    deposit.Identity,
			Type:        OperationDeposit,
			FromAddress: normalizeAddress(deposit.From),
			ToAddress:   normalizeAddress(deposit.To),
			Amount:      Amount(deposit.Amount),
			BlockNumber: &deposit.BlockNumber,
			LogIndex:    &deposit.LogIndex,
		}); err != nil {
			return err
		}

		applied = true
		return nil
	})
	return applied, storageError(err, "apply deposit")
}

func (s *SqliteStorage) ApplyEntry(entry Entry) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		done, err := isReconciled(tx, entry.TxHash)
		if err != nil || done {
			return err
		}

		if entry.Identity != "" {
			err := tx.Model(&Account{}).Where("identity = ?", entry.Identity).Updates(map[string]interface{}{
				"total_entries":    gorm.Expr("total_entries + ?", 1),
				"last_entry_block": gorm.Expr("max(last_entry_block, ?)", entry.BlockNumber),
			}).Error
			if err != nil {
				return errors.Wrap(err, "increment entries")
			}
		}

		if err := s.upsertReconciled(tx, &Operation{
			TxHash:      entry.TxHash,
			Identity:    entry.Identity,
			Type:        OperationEnterRaffle,
			FromAddress: normalizeAddress(entry.Player),
			Amount:      Amount(entry.Fee),
			BlockNumber: &entry.BlockNumber,
			LogIndex:    &entry.LogIndex,
		}); err != nil {
			return err
		}

		round, err := s.roundAt(tx, entry.BlockNumber, entry.LogIndex)
		if err != nil {
			return err
		}
		if round == nil {
			if round, err = s.openRound(tx, RoundOpen); err != nil {
				return err
			}
		}
		if err := s.refreshRound(tx, round); err != nil {
			return err
		}

		applied = true
		return nil
	})
	return applied, storageError(err, "apply entry")
}

// ApplyDrawRequested records the randomness request on the round it was made for and
// moves that round to CALCULATING unless it has already closed. Deduplicated by the
// request transaction hash.
func (s *SqliteStorage) ApplyDrawRequested(request DrawRequest) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Round{}).Where("request_tx_hash = ?", request.TxHash).Count(&count).Error; err != nil {
			return errors.Wrap(err, "check draw request")
		}
		if count > 0 {
			return nil
		}

		round, err := s.roundAt(tx, request.BlockNumber, request.LogIndex)
		if err != nil {
			return err
		}
		if round == nil {
			if round, err = s.openRound(tx, RoundCalculating); err != nil {
				return err
			}
		}

		fields := map[string]interface{}{
			"request_id":      request.RequestID,
			"request_tx_hash": request.TxHash,
			"draw_block":      request.BlockNumber,
		}
		if round.Status != RoundClosed {
			fields["status"] = RoundCalculating
		}
		if err := tx.Model(&Round{}).Where("id = ?", round.ID).Updates(fields).Error; err != nil {
			return errors.Wrap(err, "mark round calculating")
		}

		applied = true
		return nil
	})
	return applied, storageError(err, "apply draw request")
}

// ApplyWin credits the winner, records the WIN_PRIZE operation and closes the round
// in one transaction. The winner's entered flag is cleared by the close.
func (s *SqliteStorage) ApplyWin(win Win) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		done, err := isReconciled(tx, win.TxHash)
		if err != nil || done {
			return err
		}

		var account Account
		if err := tx.Where("identity = ?", win.Identity).First(&account).Error; err != nil {
			return lookupError(err, "account", win.Identity)
		}

		err = tx.Model(&Account{}).Where("id = ?", account.ID).
			Update("total_winnings", account.TotalWinnings.Add(Amount(win.Prize))).Error
		if err != nil {
			return errors.Wrap(err, "credit winnings")
		}

		if err := s.upsertReconciled(tx, &Operation{
			TxHash:      win.TxHash,
			Identity:    win.Identity,
			Type:        OperationWinPrize,
			FromAddress: normalizeAddress(win.From),
			ToAddress:   normalizeAddress(win.Winner),
			Amount:      Amount(win.Prize),
			BlockNumber: &win.BlockNumber,
			LogIndex:    &win.LogIndex,
		}); err != nil {
			return err
		}

		if _, err := s.closeRound(tx, win); err != nil {
			return err
		}

		applied = true
		return nil
	})
	return applied, storageError(err, "apply win")
}

// SkipUnknownWinner closes the round for a winner that is not custodial. No operation
// record is created.
func (s *SqliteStorage) SkipUnknownWinner(win Win) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		closed, err := s.closeRound(tx, win)
		applied = closed
		return err
	})
	return applied, storageError(err, "skip unknown winner")
}

func (s *SqliteStorage) GetWatermark(eventClass string) (uint64, bool, error) {
	var watermark Watermark
	err := s.db.Where("event_class = ?", eventClass).First(&watermark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageError(err, "get watermark")
	}
	return watermark.BlockNumber, true, nil
}

// AdvanceWatermark never lowers a stored watermark.
func (s *SqliteStorage) AdvanceWatermark(eventClass string, blockNumber uint64) error {
	logger.Debug("advancing watermark...", zap.String("class", eventClass), zap.Uint64("block", blockNumber))

	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_class"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"block_number": gorm.Expr("excluded.block_number"),
			"updated_at":   gorm.Expr("excluded.updated_at"),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("watermarks.block_number < excluded.block_number"),
		}},
	}).Create(&Watermark{
		EventClass:  eventClass,
		BlockNumber: blockNumber,
		UpdatedAt:   s.now(),
	}).Error
	if err != nil {
		return storageError(err, "advance watermark")
	}

	logger.Debug("advancing watermark... done")
	return nil
}

// GetCurrentRound returns the most recent OPEN or CALCULATING round.
func (s *SqliteStorage) GetCurrentRound() (*Round, error) {
	round, err := s.activeRound(s.db)
	if err != nil {
		return nil, storageError(err, "get current round")
	}
	if round == nil {
		return nil, errs.New(errs.KindNotFound, "no active round")
	}
	return round, nil
}

func (s *SqliteStorage) CountActiveRounds() (int64, error) {
	var count int64
	err := s.db.Model(&Round{}).
		Where("status in ?", []string{RoundOpen, RoundCalculating}).
		Count(&count).Error
	return count, storageError(err, "count active rounds")
}

func (s *SqliteStorage) ListRounds(limit int) ([]*Round, error) {
	var rounds []*Round
	err := s.db.Order("round_id desc").Limit(limit).Find(&rounds).Error
	if err != nil {
		return nil, storageError(err, "list rounds")
	}
	return rounds, nil
}

// roundAt returns the round a log at (block, logIndex) belongs to: the earliest round
// closed after that position, else the active round. Nil when neither exists.
func (s *SqliteStorage) roundAt(tx *gorm.DB, block uint64, logIndex uint) (*Round, error) {
	var rounds []*Round
	err := tx.Where("(close_block > ? or (close_block = ? and close_log_index > ?))", block, block, logIndex).
		Order("round_id asc").
		Limit(1).
		Find(&rounds).Error
	if err != nil {
		return nil, errors.Wrap(err, "find round by block")
	}
	if len(rounds) > 0 {
		return rounds[0], nil
	}
	return s.activeRound(tx)
}

// refreshRound recounts participants and pool from the reconciled entries that fall
// between the previous round's close and this round's close.
func (s *SqliteStorage) refreshRound(tx *gorm.DB, round *Round) error {
	var previous []*Round
	err := tx.Where("round_id < ? and close_block is not null", round.RoundID).
		Order("round_id desc").
		Limit(1).
		Find(&previous).Error
	if err != nil {
		return errors.Wrap(err, "find previous round")
	}

	var after *Round
	if len(previous) > 0 {
		after = previous[0]
	}
	var until *Round
	if round.CloseBlock != nil {
		until = round
	}

	entries, err := entriesBetween(tx, after, until)
	if err != nil {
		return err
	}

	pool := decimal.Zero
	for _, entry := range entries {
		pool = pool.Add(entry.Amount)
	}

	err = tx.Model(&Round{}).Where("id = ?", round.ID).Updates(map[string]interface{}{
		"participant_count": len(entries),
		"pool_total":        pool,
	}).Error
	return errors.Wrap(err, "count entries")
}

// entriesBetween loads reconciled entries logged after the close of after and up to
// the close of until. A nil bound is open.
func entriesBetween(tx *gorm.DB, after, until *Round) ([]*Operation, error) {
	query := tx.Where("type = ? and reconciled_at is not null", OperationEnterRaffle)
	if after != nil {
		block, index := closePosition(after)
		query = query.Where("(block_number > ? or (block_number = ? and log_index > ?))", block, block, index)
	}
	if until != nil {
		block, index := closePosition(until)
		query = query.Where("(block_number < ? or (block_number = ? and log_index < ?))", block, block, index)
	}

	var entries []*Operation
	if err := query.Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "find round entries")
	}
	return entries, nil
}

func closePosition(round *Round) (uint64, uint) {
	var block uint64
	var index uint
	if round.CloseBlock != nil {
		block = *round.CloseBlock
	}
	if round.CloseLogIndex != nil {
		index = *round.CloseLogIndex
	}
	return block, index
}

func (s *SqliteStorage) activeRound(tx *gorm.DB) (*Round, error) {
	var rounds []*Round
	err := tx.Where("status in ?", []string{RoundOpen, RoundCalculating}).
		Order("round_id desc").
		Limit(1).
		Find(&rounds).Error
	if err != nil {
		return nil, errors.Wrap(err, "find active round")
	}
	if len(rounds) == 0 {
		return nil, nil
	}
	return rounds[0], nil
}

func (s *SqliteStorage) openRound(tx *gorm.DB, status RoundStatus) (*Round, error) {
	var last int64
	err := tx.Model(&Round{}).Select("coalesce(max(round_id), 0)").Scan(&last).Error
	if err != nil {
		return nil, errors.Wrap(err, "next round id")
	}

	round := &Round{
		RoundID:   last + 1,
		Status:    status,
		PoolTotal: decimal.Zero,
		StartedAt: s.now(),
	}
	if err := tx.Create(round).Error; err != nil {
		return nil, errors.Wrap(err, "open round")
	}

	logger.Info("storage: round opened", zap.Int64("round", round.RoundID))
	return round, nil
}

// closeRound closes the active round at win's position unless a round was already
// closed by the same transaction. Entries already reconciled past that position move
// to a fresh OPEN round. Only accounts whose last entry precedes the win block lose
// their entered flag.
func (s *SqliteStorage) closeRound(tx *gorm.DB, win Win) (bool, error) {
	var count int64
	if err := tx.Model(&Round{}).Where("close_tx_hash = ?", win.TxHash).Count(&count).Error; err != nil {
		return false, errors.Wrap(err, "check round close")
	}
	if count > 0 {
		return false, nil
	}

	round, err := s.activeRound(tx)
	if err != nil {
		return false, err
	}
	if round == nil {
		if round, err = s.openRound(tx, RoundCalculating); err != nil {
			return false, err
		}
	}

	err = tx.Model(&Round{}).Where("id = ?", round.ID).Updates(map[string]interface{}{
		"status":          RoundClosed,
		"winner_address":  normalizeAddress(win.Winner),
		"prize_amount":    Amount(win.Prize),
		"close_tx_hash":   win.TxHash,
		"close_block":     win.BlockNumber,
		"close_log_index": win.LogIndex,
		"ended_at":        s.now(),
	}).Error
	if err != nil {
		return false, errors.Wrap(err, "close round")
	}

	round.CloseBlock = &win.BlockNumber
	round.CloseLogIndex = &win.LogIndex
	if err := s.refreshRound(tx, round); err != nil {
		return false, err
	}

	later, err := entriesBetween(tx, round, nil)
	if err != nil {
		return false, err
	}
	if len(later) > 0 {
		next, err := s.openRound(tx, RoundOpen)
		if err != nil {
			return false, err
		}
		if err := s.refreshRound(tx, next); err != nil {
			return false, err
		}
	}

	err = tx.Model(&Account{}).
		Where("in_current_raffle = ? and last_entry_block < ?", true, win.BlockNumber).
		Update("in_current_raffle", false).Error
	if err != nil {
		return false, errors.Wrap(err, "clear entered flags")
	}

	return true, nil
}

func (s *SqliteStorage) upsertReconciled(tx *gorm.DB, operation *Operation) error {
	now := s.now()
	operation.Status = OperationConfirmed
	operation.ReconciledAt = &now
	operation.ConfirmedAt = &now

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tx_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"amount",
			"block_number",
			"log_index",
			"reconciled_at",
			"confirmed_at",
			"updated_at",
		}),
	}).Create(operation).Error
	return errors.Wrap(err, "upsert operation")
}

func isReconciled(tx *gorm.DB, txHash string) (bool, error) {
	var count int64
	err := tx.Model(&Operation{}).
		Where("tx_hash = ? and reconciled_at is not null", txHash).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "check operation")
	}
	return count > 0, nil
}

func normalizeAddress(address string) string {
	if address == "" || !common.IsHexAddress(address) {
		return address
	}
	return common.HexToAddress(address).Hex()
}

func lookupError(err error, entity, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.Newf(errs.KindNotFound, "%s %s not found", entity, key)
	}
	return storageError(err, "get "+entity)
}

// storageError classifies err as STORAGE unless it already carries a kind.
func storageError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.Wrap(err, errs.KindStorage, message)
}
