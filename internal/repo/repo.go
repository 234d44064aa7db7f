package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientBalance is returned when a debit exceeds the balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrVersionConflict is returned when an optimistic balance update loses.
var ErrVersionConflict = errors.New("account version conflict")

// RepositoryInterface restricts Repo methods for unit-test substitution.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetAccountForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error)
	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	UpdateBalance(ctx context.Context, tx *gorm.DB, id int64, newBalance decimal.Decimal, oldVersion uint64) error
	SumBalances(ctx context.Context, includeSystem bool) (decimal.Decimal, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	UpdateTransactionOutcome(ctx context.Context, id uint64, status string, externalRef *string) error
	ListTransactions(ctx context.Context, account int64, limit, offset int) ([]model.Transaction, error)

	InsertProcessedDeposit(ctx context.Context, d *model.ProcessedDeposit) (bool, error)
	FinishProcessedDeposit(ctx context.Context, txID, status, errMsg string, account *int64) error
	GetProcessedDeposit(ctx context.Context, txID string) (*model.ProcessedDeposit, error)
	ListProcessedDeposits(ctx context.Context, status string, limit int) ([]model.ProcessedDeposit, error)
	MaxProcessedHeight(ctx context.Context) (int64, error)

	InsertLock(ctx context.Context, l *model.AccountLock) (bool, error)
	GetLock(ctx context.Context, account int64) (*model.AccountLock, error)
	DeleteLock(ctx context.Context, account int64) error
	DeleteLockIfExpired(ctx context.Context, account int64, now time.Time) error
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	SetLockExternalRef(ctx context.Context, account int64, ref string) error
	ListLocks(ctx context.Context) ([]model.AccountLock, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, account int64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, account int64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetAccountForUpdate locks the account row for the rest of tx.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a fresh account row.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	return tx.WithContext(ctx).Create(a).Error
}

// UpdateBalance with optimistic lock on the version column.
func (r *Repository) UpdateBalance(ctx context.Context, tx *gorm.DB, id int64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SumBalances totals account balances, optionally skipping system accounts.
func (r *Repository) SumBalances(ctx context.Context, includeSystem bool) (decimal.Decimal, error) {
	q := r.db.WithContext(ctx).Model(&model.Account{})
	if !includeSystem {
		q = q.Where("id > 0")
	}
	row := q.Select("COALESCE(SUM(balance), 0)").Row()
	var total decimal.Decimal
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// CreateTransaction inserts a ledger entry.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// UpdateTransactionOutcome moves a pending entry to its terminal status.
func (r *Repository) UpdateTransactionOutcome(ctx context.Context, id uint64, status string, externalRef *string) error {
	updates := map[string]interface{}{"status": status}
	if externalRef != nil {
		updates["external_ref"] = *externalRef
	}
	return r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(updates).Error
}

// ListTransactions returns entries touching the account, newest first.
func (r *Repository) ListTransactions(ctx context.Context, account int64, limit, offset int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", account).
		Order("id desc").
		Limit(limit).Offset(offset).
		Find(&txs).Error
	return txs, err
}

// InsertProcessedDeposit inserts with conflict-ignore semantics. It returns
// false when a row for the external tx id already existed, which makes the
// primary key the single gate against double-crediting.
func (r *Repository) InsertProcessedDeposit(ctx context.Context, d *model.ProcessedDeposit) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinishProcessedDeposit moves a deposit row to a terminal state.
func (r *Repository) FinishProcessedDeposit(ctx context.Context, txID, status, errMsg string, account *int64) error {
	updates := map[string]interface{}{"status": status, "error": errMsg}
	if account != nil {
		updates["account_id"] = *account
	}
	return r.db.WithContext(ctx).Model(&model.ProcessedDeposit{}).
		Where("external_tx_id = ?", txID).
		Updates(updates).Error
}

// GetProcessedDeposit fetches one audit row.
func (r *Repository) GetProcessedDeposit(ctx context.Context, txID string) (*model.ProcessedDeposit, error) {
	var d model.ProcessedDeposit
	if err := r.db.WithContext(ctx).Where("external_tx_id = ?", txID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ListProcessedDeposits returns audit rows, optionally filtered by status.
func (r *Repository) ListProcessedDeposits(ctx context.Context, status string, limit int) ([]model.ProcessedDeposit, error) {
	q := r.db.WithContext(ctx).Order("chain_height desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var ds []model.ProcessedDeposit
	err := q.Find(&ds).Error
	return ds, err
}

// MaxProcessedHeight recovers the scanner watermark after a restart.
func (r *Repository) MaxProcessedHeight(ctx context.Context) (int64, error) {
	row := r.db.WithContext(ctx).Model(&model.ProcessedDeposit{}).
		Select("COALESCE(MAX(chain_height), 0)").Row()
	var height int64
	if err := row.Scan(&height); err != nil {
		return 0, err
	}
	return height, nil
}

// InsertLock attempts to create the lease row; false means another holder.
func (r *Repository) InsertLock(ctx context.Context, l *model.AccountLock) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(l)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetLock fetches the active lease for an account, if any.
func (r *Repository) GetLock(ctx context.Context, account int64) (*model.AccountLock, error) {
	var l model.AccountLock
	err := r.db.WithContext(ctx).Where("account_id = ?", account).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLock removes the lease unconditionally.
func (r *Repository) DeleteLock(ctx context.Context, account int64) error {
	return r.db.WithContext(ctx).Where("account_id = ?", account).Delete(&model.AccountLock{}).Error
}

// DeleteLockIfExpired lazily reaps a lapsed lease before an acquire attempt.
func (r *Repository) DeleteLockIfExpired(ctx context.Context, account int64, now time.Time) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND expires_at <= ?", account, now).
		Delete(&model.AccountLock{}).Error
}

// DeleteExpiredLocks reaps every lapsed lease; safe to run concurrently
// with acquire.
func (r *Repository) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&model.AccountLock{})
	return res.RowsAffected, res.Error
}

// SetLockExternalRef stamps the broadcast tx id on a held lease so the
// sweep loop can retry verify-mode release.
func (r *Repository) SetLockExternalRef(ctx context.Context, account int64, ref string) error {
	return r.db.WithContext(ctx).Model(&model.AccountLock{}).
		Where("account_id = ?", account).
		Update("external_ref", ref).Error
}

// ListLocks returns all active leases for stuck-lock diagnosis.
func (r *Repository) ListLocks(ctx context.Context) ([]model.AccountLock, error) {
	var ls []model.AccountLock
	err := r.db.WithContext(ctx).Order("acquired_at").Find(&ls).Error
	return ls, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, account int64, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", account), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, account int64) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d", account)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
