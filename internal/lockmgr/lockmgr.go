package lockmgr

import (
	"context"
	"errors"
	"time"

	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/repo"
	"go.uber.org/zap"
)

// ErrLockConflict means another operation holds the account's lease. Callers
// should retry later; this is not a hard failure.
var ErrLockConflict = errors.New("another operation is in flight for this account")

// ErrNotReleased means a verify-mode release could not confirm the external
// transfer on chain. The lease stays in place for a later retry.
var ErrNotReleased = errors.New("lock not released: external transfer unconfirmed")

// Manager hands out per-account mutual-exclusion leases. The primary key on
// the lock table decides the winner under concurrent acquires; the TTL is a
// safety net against holders that crash without releasing.
type Manager struct {
	repo repo.RepositoryInterface
	gw   chain.Gateway
	log  *zap.SugaredLogger
	ttl  time.Duration
}

// NewManager builds a lock manager with the given default lease TTL.
func NewManager(r repo.RepositoryInterface, gw chain.Gateway, logger *zap.SugaredLogger, ttl time.Duration) *Manager {
	return &Manager{repo: r, gw: gw, log: logger, ttl: ttl}
}

// Acquire takes the account's lease, first lazily reaping an expired one.
// ttl <= 0 uses the manager default. Exactly one of N concurrent callers
// wins; the rest get ErrLockConflict.
func (m *Manager) Acquire(ctx context.Context, account int64, kind string, ttl time.Duration, metadata string) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := time.Now()
	if err := m.repo.DeleteLockIfExpired(ctx, account, now); err != nil {
		return err
	}
	inserted, err := m.repo.InsertLock(ctx, &model.AccountLock{
		AccountID: account,
		Kind:      kind,
		ExpiresAt: now.Add(ttl),
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return ErrLockConflict
	}
	return nil
}

// ReleaseForce deletes the lease unconditionally.
func (m *Manager) ReleaseForce(ctx context.Context, account int64) error {
	return m.repo.DeleteLock(ctx, account)
}

// ReleaseVerify deletes the lease only after the external transfer it
// guarded is confirmed on chain. With no external ref there is nothing to
// verify and the lease is simply deleted.
func (m *Manager) ReleaseVerify(ctx context.Context, account int64, externalRef string) error {
	if externalRef == "" {
		return m.repo.DeleteLock(ctx, account)
	}
	tx, err := m.gw.GetTransferByHash(ctx, externalRef)
	if err != nil || tx == nil || !tx.Success {
		return ErrNotReleased
	}
	return m.repo.DeleteLock(ctx, account)
}

// SetExternalRef stamps the broadcast tx id on a held lease so the sweep
// loop can verify it later.
func (m *Manager) SetExternalRef(ctx context.Context, account int64, ref string) error {
	return m.repo.SetLockExternalRef(ctx, account, ref)
}

// SweepExpired reaps every lapsed lease. Idempotent.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.repo.DeleteExpiredLocks(ctx, time.Now())
}

// Active lists current leases for stuck-lock diagnosis.
func (m *Manager) Active(ctx context.Context) ([]model.AccountLock, error) {
	return m.repo.ListLocks(ctx)
}

// Run sweeps expired leases on the given interval and retries verify-mode
// release for leases carrying a broadcast tx id. Returns when ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := m.SweepExpired(ctx); err != nil {
			m.log.Errorf("lock sweep: %v", err)
		} else if n > 0 {
			m.log.Warnf("lock sweep: reaped %d expired lease(s)", n)
		}
		locks, err := m.Active(ctx)
		if err != nil {
			m.log.Errorf("lock sweep: list: %v", err)
			continue
		}
		for _, l := range locks {
			if l.ExternalRef == nil || *l.ExternalRef == "" {
				continue
			}
			err := m.ReleaseVerify(ctx, l.AccountID, *l.ExternalRef)
			switch {
			case err == nil:
				m.log.Infof("lock sweep: verified and released account %d (tx %s)", l.AccountID, *l.ExternalRef)
			case errors.Is(err, ErrNotReleased):
				// still unconfirmed, retry next tick
			default:
				m.log.Errorf("lock sweep: verify account %d: %v", l.AccountID, err)
			}
		}
	}
}
