package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means a non-positive amount or one with more fractional
// digits than the currency supports. Rejected before any mutation.
var ErrInvalidAmount = errors.New("amount must be positive with at most 6 decimals")

// ErrSelfTransfer means source and destination are the same account.
var ErrSelfTransfer = errors.New("cannot transfer to self")

// Ledger is the authoritative store of balances and the immutable entry
// log. Every operation is a single atomic read-modify-write; multi-step
// workflows (withdrawals, transfers) serialize above it via the lock
// manager.
type Ledger struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// New returns a Ledger backed by the given repository.
func New(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{repo: r, log: logger}
}

func checkAmount(amt decimal.Decimal) error {
	if amt.LessThanOrEqual(decimal.Zero) || !chain.ValidPrecision(amt) {
		return ErrInvalidAmount
	}
	return nil
}

// getOrCreate loads the account row under a row lock, creating it with
// balance zero on first reference.
func (l *Ledger) getOrCreate(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error) {
	a, err := l.repo.GetAccountForUpdate(ctx, tx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	a = &model.Account{ID: id, Balance: decimal.Zero}
	if err := l.repo.CreateAccount(ctx, tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func creditEvent(kind string) string {
	switch kind {
	case model.TxDeposit:
		return model.EventDepositCredited
	case model.TxRefund:
		return model.EventWithdrawalFailed
	default:
		return model.EventAdjustment
	}
}

// Credit adds amount to the account, creating it if absent, and appends a
// completed ledger entry.
func (l *Ledger) Credit(ctx context.Context, account int64, amt decimal.Decimal, kind, ref, desc string) (*model.Transaction, error) {
	if err := checkAmount(amt); err != nil {
		return nil, err
	}
	var entry *model.Transaction
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := l.getOrCreate(ctx, tx, account)
		if err != nil {
			return err
		}
		newBal := a.Balance.Add(amt)
		if err := l.repo.UpdateBalance(ctx, tx, account, newBal, a.Version); err != nil {
			return err
		}
		entry = &model.Transaction{
			AccountID: account, Kind: kind, Amount: amt,
			BalanceBefore: a.Balance, BalanceAfter: newBal,
			Status: model.StatusCompleted, Description: desc,
		}
		if ref != "" {
			entry.ExternalRef = &ref
		}
		if err := l.repo.CreateTransaction(ctx, tx, entry); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"account": account, "amount": amt, "balance": newBal, "ref": ref})
		evt := &model.OutboxEvent{
			Aggregate: "Account", AggregateID: account, EventType: creditEvent(kind), Payload: string(payload),
		}
		if err := l.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := l.repo.CacheBalance(ctx, account, newBal); err != nil {
			l.log.Warn(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit subtracts amount from the account. The balance check and the
// mutation run in the same database transaction, so concurrent debits on
// one account cannot both pass the check. status is the initial entry
// status; withdrawals awaiting chain broadcast pass pending.
func (l *Ledger) Debit(ctx context.Context, account int64, amt decimal.Decimal, kind, status, extAddr, desc string) (*model.Transaction, error) {
	if err := checkAmount(amt); err != nil {
		return nil, err
	}
	var entry *model.Transaction
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := l.repo.GetAccountForUpdate(ctx, tx, account)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repo.ErrInsufficientBalance
			}
			return err
		}
		if a.Balance.LessThan(amt) {
			return repo.ErrInsufficientBalance
		}
		newBal := a.Balance.Sub(amt)
		if err := l.repo.UpdateBalance(ctx, tx, account, newBal, a.Version); err != nil {
			return err
		}
		entry = &model.Transaction{
			AccountID: account, Kind: kind, Amount: amt,
			BalanceBefore: a.Balance, BalanceAfter: newBal,
			Status: status, Description: desc,
		}
		if extAddr != "" {
			entry.ExternalAddress = &extAddr
		}
		if err := l.repo.CreateTransaction(ctx, tx, entry); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"account": account, "amount": amt, "balance": newBal, "address": extAddr})
		evt := &model.OutboxEvent{
			Aggregate: "Account", AggregateID: account, EventType: model.EventWithdrawalRequested, Payload: string(payload),
		}
		if err := l.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := l.repo.CacheBalance(ctx, account, newBal); err != nil {
			l.log.Warn(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer moves amount between two internal accounts, writing a linked
// debit+credit pair atomically. Rows are locked in ascending id order.
func (l *Ledger) Transfer(ctx context.Context, from, to int64, amt decimal.Decimal, desc string) (fromBal, toBal decimal.Decimal, err error) {
	if err := checkAmount(amt); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if from == to {
		return decimal.Zero, decimal.Zero, ErrSelfTransfer
	}
	err = l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		firstID, secondID := from, to
		if secondID < firstID {
			firstID, secondID = secondID, firstID
		}
		a1, err := l.getOrCreate(ctx, tx, firstID)
		if err != nil {
			return err
		}
		a2, err := l.getOrCreate(ctx, tx, secondID)
		if err != nil {
			return err
		}
		var aFrom, aTo *model.Account
		if firstID == from {
			aFrom, aTo = a1, a2
		} else {
			aFrom, aTo = a2, a1
		}
		if aFrom.Balance.LessThan(amt) {
			return repo.ErrInsufficientBalance
		}
		newFrom := aFrom.Balance.Sub(amt)
		newTo := aTo.Balance.Add(amt)
		if err := l.repo.UpdateBalance(ctx, tx, from, newFrom, aFrom.Version); err != nil {
			return err
		}
		if err := l.repo.UpdateBalance(ctx, tx, to, newTo, aTo.Version); err != nil {
			return err
		}
		out := &model.Transaction{
			AccountID: from, Kind: model.TxTransfer, Amount: amt,
			BalanceBefore: aFrom.Balance, BalanceAfter: newFrom,
			RelatedAccount: &to, Status: model.StatusCompleted, Description: desc,
		}
		in := &model.Transaction{
			AccountID: to, Kind: model.TxTransfer, Amount: amt,
			BalanceBefore: aTo.Balance, BalanceAfter: newTo,
			RelatedAccount: &from, Status: model.StatusCompleted, Description: desc,
		}
		if err := l.repo.CreateTransaction(ctx, tx, out); err != nil {
			return err
		}
		if err := l.repo.CreateTransaction(ctx, tx, in); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"from": from, "to": to, "amount": amt})
		evt := &model.OutboxEvent{
			Aggregate: "Account", AggregateID: from, EventType: model.EventTransfer, Payload: string(payload),
		}
		if err := l.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := l.repo.CacheBalance(ctx, from, newFrom); err != nil {
			l.log.Warn(err)
		}
		if err := l.repo.CacheBalance(ctx, to, newTo); err != nil {
			l.log.Warn(err)
		}
		fromBal, toBal = newFrom, newTo
		return nil
	})
	return fromBal, toBal, err
}

// MarkOutcome transitions a pending entry to completed or failed and emits
// the matching audit event.
func (l *Ledger) MarkOutcome(ctx context.Context, entry *model.Transaction, status, externalRef string) error {
	var ref *string
	if externalRef != "" {
		ref = &externalRef
	}
	if err := l.repo.UpdateTransactionOutcome(ctx, entry.ID, status, ref); err != nil {
		return err
	}
	eventType := model.EventWithdrawalCompleted
	if status == model.StatusFailed {
		eventType = model.EventWithdrawalFailed
	}
	payload, _ := json.Marshal(map[string]interface{}{"account": entry.AccountID, "tx": entry.ID, "ref": externalRef})
	evt := &model.OutboxEvent{
		Aggregate: "Account", AggregateID: entry.AccountID, EventType: eventType, Payload: string(payload),
	}
	return l.repo.CreateOutboxEvent(ctx, l.repo.DB(ctx), evt)
}

// Balance returns the account's current balance, read through the cache.
func (l *Ledger) Balance(ctx context.Context, account int64) (decimal.Decimal, error) {
	bal, err := l.repo.GetCachedBalance(ctx, account)
	if err == nil {
		return bal, nil
	}
	var a model.Account
	if err := l.repo.DB(ctx).Where("id=?", account).First(&a).Error; err != nil {
		return decimal.Zero, err
	}
	_ = l.repo.CacheBalance(ctx, account, a.Balance)
	return a.Balance, nil
}

// TotalBalance sums balances across accounts for reconciliation.
func (l *Ledger) TotalBalance(ctx context.Context, includeSystem bool) (decimal.Decimal, error) {
	return l.repo.SumBalances(ctx, includeSystem)
}

// History returns the account's entries, newest first.
func (l *Ledger) History(ctx context.Context, account int64, limit, offset int) ([]model.Transaction, error) {
	return l.repo.ListTransactions(ctx, account, limit, offset)
}
