package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/config"
	"github.com/jamesxu042/custody-service/internal/ledger"
	"github.com/jamesxu042/custody-service/internal/lockmgr"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/reconciler"
	"github.com/jamesxu042/custody-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidAddress means the destination failed the address shape check.
var ErrInvalidAddress = errors.New("invalid destination address")

// ErrExternalTransferFailed means the chain rejected or never accepted the
// broadcast; the debit has already been refunded when this is returned.
var ErrExternalTransferFailed = errors.New("external transfer failed")

// ErrDepositNotReassignable means the audit row is not in a state an
// operator can reassign.
var ErrDepositNotReassignable = errors.New("deposit is not reassignable")

// CustodyService is the single facade over the ledger, lock manager and
// chain gateway. It implements the operations the chat layer and operators
// call into.
type CustodyService struct {
	ledger *ledger.Ledger
	locks  *lockmgr.Manager
	recon  *reconciler.Reconciler
	repo   repo.RepositoryInterface
	gw     chain.Gateway
	log    *zap.SugaredLogger

	chainCfg config.ChainConfig
	lockTTL  time.Duration
}

// NewCustodyService wires the facade.
func NewCustodyService(l *ledger.Ledger, locks *lockmgr.Manager, recon *reconciler.Reconciler, r repo.RepositoryInterface, gw chain.Gateway, logger *zap.SugaredLogger, chainCfg config.ChainConfig, lockTTL time.Duration) *CustodyService {
	return &CustodyService{
		ledger: l, locks: locks, recon: recon, repo: r, gw: gw, log: logger,
		chainCfg: chainCfg, lockTTL: lockTTL,
	}
}

// WithdrawResult reports a completed external withdrawal.
type WithdrawResult struct {
	TxID         string          `json:"txid"`
	Balance      decimal.Decimal `json:"balance"`
	LockReleased bool            `json:"lock_released"`
}

// DepositInfo is what a user needs to fund their account: the shared
// custodial address plus their routing token for the transfer memo.
type DepositInfo struct {
	Address      string `json:"address"`
	RoutingToken string `json:"routing_token"`
}

// Stats is the operator overview returned by GetStats.
type Stats struct {
	OnChainBalance decimal.Decimal `json:"onchain_balance"`
	InternalTotal  decimal.Decimal `json:"internal_total"`
	Difference     decimal.Decimal `json:"difference"`
	Reconciled     bool            `json:"reconciled"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// Balance returns an account's current ledger balance.
func (s *CustodyService) Balance(ctx context.Context, account int64) (decimal.Decimal, error) {
	return s.ledger.Balance(ctx, account)
}

// RequestDeposit returns the funding instructions for an account.
func (s *CustodyService) RequestDeposit(account int64) DepositInfo {
	return DepositInfo{
		Address:      s.chainCfg.CustodialAddress,
		RoutingToken: strconv.FormatInt(account, 10),
	}
}

// History returns an account's ledger entries, newest first.
func (s *CustodyService) History(ctx context.Context, account int64, limit, offset int) ([]model.Transaction, error) {
	return s.ledger.History(ctx, account, limit, offset)
}

// Stats runs a live reconciliation and returns the snapshot.
func (s *CustodyService) Stats(ctx context.Context) (*Stats, error) {
	res, err := s.recon.Check(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		OnChainBalance: res.OnChainTotal,
		InternalTotal:  res.InternalTotal,
		Difference:     res.Difference,
		Reconciled:     res.Matched,
		CheckedAt:      res.CheckedAt,
	}, nil
}

// Withdraw moves funds out to an external address: lock, pending debit,
// broadcast, then completion. When the broadcast fails, a compensating
// refund restores the exact pre-debit balance.
func (s *CustodyService) Withdraw(ctx context.Context, account int64, toAddr string, amt decimal.Decimal) (*WithdrawResult, error) {
	if !chain.ValidAddress(toAddr, s.chainCfg.AddressPrefix) {
		return nil, ErrInvalidAddress
	}
	baseAmt, err := chain.ToBaseUnits(amt)
	if err != nil || baseAmt <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	meta := fmt.Sprintf("withdraw %s to %s", amt, toAddr)
	if err := s.locks.Acquire(ctx, account, model.LockWithdrawal, s.lockTTL, meta); err != nil {
		return nil, err
	}

	entry, err := s.ledger.Debit(ctx, account, amt, model.TxWithdrawal, model.StatusPending, toAddr, "external withdrawal")
	if err != nil {
		if rerr := s.locks.ReleaseForce(ctx, account); rerr != nil {
			s.log.Errorf("withdraw account %d: release after debit failure: %v", account, rerr)
		}
		return nil, err
	}

	res, berr := s.gw.BroadcastTransfer(ctx, s.chainCfg.Signer, toAddr, baseAmt, "")
	if berr != nil || !res.Success {
		return nil, s.refundFailedWithdrawal(ctx, account, amt, entry, res, berr)
	}

	if err := s.ledger.MarkOutcome(ctx, entry, model.StatusCompleted, res.TxID); err != nil {
		s.log.Errorf("withdraw account %d: mark completed (tx %s): %v", account, res.TxID, err)
	}
	if err := s.locks.SetExternalRef(ctx, account, res.TxID); err != nil {
		s.log.Errorf("withdraw account %d: stamp lock ref: %v", account, err)
	}

	released := true
	switch relErr := s.locks.ReleaseVerify(ctx, account, res.TxID); {
	case relErr == nil:
	case errors.Is(relErr, lockmgr.ErrNotReleased):
		// recognized operational state: the sweep loop retries
		// verification until the transfer confirms
		released = false
		s.log.Warnf("withdraw account %d: tx %s not yet confirmed, lock held for retry", account, res.TxID)
	default:
		released = false
		s.log.Errorf("withdraw account %d: verify release: %v", account, relErr)
	}

	return &WithdrawResult{TxID: res.TxID, Balance: entry.BalanceAfter, LockReleased: released}, nil
}

// refundFailedWithdrawal credits back the requested amount, marks the
// original entry failed and force-releases the lock.
func (s *CustodyService) refundFailedWithdrawal(ctx context.Context, account int64, amt decimal.Decimal, entry *model.Transaction, res *chain.BroadcastResult, berr error) error {
	desc := fmt.Sprintf("refund of failed withdrawal #%d", entry.ID)
	if _, err := s.ledger.Credit(ctx, account, amt, model.TxRefund, "", desc); err != nil {
		// balance is now short of its pre-debit value; never silent
		s.log.Errorf("withdraw account %d: REFUND FAILED after broadcast failure, operator action required: %v", account, err)
	}
	ref := ""
	if res != nil {
		ref = res.TxID
	}
	if err := s.ledger.MarkOutcome(ctx, entry, model.StatusFailed, ref); err != nil {
		s.log.Errorf("withdraw account %d: mark failed: %v", account, err)
	}
	if err := s.locks.ReleaseForce(ctx, account); err != nil {
		s.log.Errorf("withdraw account %d: release after refund: %v", account, err)
	}
	if berr != nil {
		return fmt.Errorf("%w: %v", ErrExternalTransferFailed, berr)
	}
	return fmt.Errorf("%w: %s", ErrExternalTransferFailed, res.RawLog)
}

// Transfer moves funds between two internal accounts. Locks are taken in
// ascending account id order so two opposite transfers between the same
// pair cannot deadlock. Always instantly final.
func (s *CustodyService) Transfer(ctx context.Context, from, to int64, amt decimal.Decimal) (fromBal, toBal decimal.Decimal, err error) {
	if from == to {
		return decimal.Zero, decimal.Zero, ledger.ErrSelfTransfer
	}
	if amt.LessThanOrEqual(decimal.Zero) || !chain.ValidPrecision(amt) {
		return decimal.Zero, decimal.Zero, ledger.ErrInvalidAmount
	}
	release, err := s.lockPair(ctx, from, to, model.LockTransfer, fmt.Sprintf("transfer %s: %d -> %d", amt, from, to))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer release()
	return s.ledger.Transfer(ctx, from, to, amt, fmt.Sprintf("internal transfer %d -> %d", from, to))
}

// lockPair acquires both account leases in ascending id order and returns a
// function releasing them in force mode.
func (s *CustodyService) lockPair(ctx context.Context, a, b int64, kind, meta string) (func(), error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	if err := s.locks.Acquire(ctx, first, kind, s.lockTTL, meta); err != nil {
		return nil, err
	}
	if err := s.locks.Acquire(ctx, second, kind, s.lockTTL, meta); err != nil {
		if rerr := s.locks.ReleaseForce(ctx, first); rerr != nil {
			s.log.Errorf("lock pair: release %d: %v", first, rerr)
		}
		return nil, err
	}
	return func() {
		if err := s.locks.ReleaseForce(ctx, second); err != nil {
			s.log.Errorf("lock pair: release %d: %v", second, err)
		}
		if err := s.locks.ReleaseForce(ctx, first); err != nil {
			s.log.Errorf("lock pair: release %d: %v", first, err)
		}
	}, nil
}

// Adjust applies an operator credit-adjustment; negative amounts debit.
func (s *CustodyService) Adjust(ctx context.Context, account int64, amt decimal.Decimal, desc string) (decimal.Decimal, error) {
	var entry *model.Transaction
	var err error
	if amt.IsNegative() {
		entry, err = s.ledger.Debit(ctx, account, amt.Neg(), model.TxAdjustment, model.StatusCompleted, "", desc)
	} else {
		entry, err = s.ledger.Credit(ctx, account, amt, model.TxAdjustment, "", desc)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return entry.BalanceAfter, nil
}

// ListDeposits returns processed-deposit audit rows for operators.
func (s *CustodyService) ListDeposits(ctx context.Context, status string, limit int) ([]model.ProcessedDeposit, error) {
	return s.repo.ListProcessedDeposits(ctx, status, limit)
}

// ListLocks returns the active leases for stuck-lock diagnosis.
func (s *CustodyService) ListLocks(ctx context.Context) ([]model.AccountLock, error) {
	return s.locks.Active(ctx)
}

// ReassignDeposit is the operator path for deposits that missed their
// routing token or failed to credit. An unclaimed-but-credited deposit is
// moved from the unclaimed account with transfer locks; a failed deposit is
// credited fresh to the target.
func (s *CustodyService) ReassignDeposit(ctx context.Context, externalTxID string, account int64) error {
	d, err := s.repo.GetProcessedDeposit(ctx, externalTxID)
	if err != nil {
		return err
	}
	switch {
	case d.Status == model.DepositFailed:
		desc := fmt.Sprintf("operator reprocess of deposit %s", externalTxID)
		if _, err := s.ledger.Credit(ctx, account, d.Amount, model.TxDeposit, externalTxID, desc); err != nil {
			return err
		}
	case d.Status == model.DepositCredited && d.AccountID == nil:
		release, err := s.lockPair(ctx, model.AccountUnclaimed, account, model.LockDepositCredit,
			fmt.Sprintf("reassign deposit %s", externalTxID))
		if err != nil {
			return err
		}
		defer release()
		desc := fmt.Sprintf("operator reassignment of deposit %s", externalTxID)
		if _, _, err := s.ledger.Transfer(ctx, model.AccountUnclaimed, account, d.Amount, desc); err != nil {
			return err
		}
	default:
		return ErrDepositNotReassignable
	}
	return s.repo.FinishProcessedDeposit(ctx, externalTxID, model.DepositCredited, "", &account)
}
