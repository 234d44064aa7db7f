package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/logger"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeGateway struct {
	confirmed map[string]bool
}

func (f *fakeGateway) SearchTransfers(ctx context.Context, to string, since int64) ([]chain.TxInfo, error) {
	return nil, nil
}

func (f *fakeGateway) GetTransferByHash(ctx context.Context, txID string) (*chain.TxInfo, error) {
	if f.confirmed[txID] {
		return &chain.TxInfo{TxID: txID, Success: true}, nil
	}
	return nil, nil
}

func (f *fakeGateway) GetBalance(ctx context.Context, addr string) (int64, error) { return 0, nil }

func (f *fakeGateway) BroadcastTransfer(ctx context.Context, signer, to string, amount int64, memo string) (*chain.BroadcastResult, error) {
	return nil, nil
}

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *fakeGateway, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.AccountLock{}))
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	gw := &fakeGateway{confirmed: map[string]bool{}}
	return NewManager(r, gw, log, ttl), gw, context.Background()
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	m, _, ctx := newTestManager(t, time.Minute)

	const n = 5
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Acquire(ctx, 7, model.LockWithdrawal, 0, "race")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent acquire may win")

	locks, err := m.Active(ctx)
	assert.NoError(t, err)
	assert.Len(t, locks, 1)
}

func TestAcquire_ConflictThenRelease(t *testing.T) {
	m, _, ctx := newTestManager(t, time.Minute)

	assert.NoError(t, m.Acquire(ctx, 1, model.LockWithdrawal, 0, ""))
	assert.ErrorIs(t, m.Acquire(ctx, 1, model.LockTransfer, 0, ""), ErrLockConflict)

	// a lock on one account does not block another
	assert.NoError(t, m.Acquire(ctx, 2, model.LockTransfer, 0, ""))

	assert.NoError(t, m.ReleaseForce(ctx, 1))
	assert.NoError(t, m.Acquire(ctx, 1, model.LockTransfer, 0, ""))
}

func TestAcquire_LazyExpiry(t *testing.T) {
	m, _, ctx := newTestManager(t, time.Minute)

	assert.NoError(t, m.Acquire(ctx, 1, model.LockWithdrawal, time.Millisecond, ""))
	time.Sleep(5 * time.Millisecond)

	// the lapsed lease is reaped on the next acquire attempt
	assert.NoError(t, m.Acquire(ctx, 1, model.LockWithdrawal, time.Minute, ""))
}

func TestSweepExpired(t *testing.T) {
	m, _, ctx := newTestManager(t, time.Minute)

	assert.NoError(t, m.Acquire(ctx, 1, model.LockWithdrawal, time.Millisecond, ""))
	assert.NoError(t, m.Acquire(ctx, 2, model.LockWithdrawal, time.Millisecond, ""))
	assert.NoError(t, m.Acquire(ctx, 3, model.LockWithdrawal, time.Hour, ""))
	time.Sleep(5 * time.Millisecond)

	n, err := m.SweepExpired(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	locks, err := m.Active(ctx)
	assert.NoError(t, err)
	assert.Len(t, locks, 1)
	assert.Equal(t, int64(3), locks[0].AccountID)

	// idempotent
	n, err = m.SweepExpired(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReleaseVerify(t *testing.T) {
	m, gw, ctx := newTestManager(t, time.Minute)

	assert.NoError(t, m.Acquire(ctx, 1, model.LockWithdrawal, 0, ""))
	assert.NoError(t, m.SetExternalRef(ctx, 1, "TXABC"))

	// unconfirmed: the lease must stay in place
	assert.ErrorIs(t, m.ReleaseVerify(ctx, 1, "TXABC"), ErrNotReleased)
	locks, err := m.Active(ctx)
	assert.NoError(t, err)
	assert.Len(t, locks, 1)
	assert.NotNil(t, locks[0].ExternalRef)
	assert.Equal(t, "TXABC", *locks[0].ExternalRef)

	// confirmed: released
	gw.confirmed["TXABC"] = true
	assert.NoError(t, m.ReleaseVerify(ctx, 1, "TXABC"))
	locks, err = m.Active(ctx)
	assert.NoError(t, err)
	assert.Len(t, locks, 0)
}

func TestReleaseVerify_NoRefDeletes(t *testing.T) {
	m, _, ctx := newTestManager(t, time.Minute)

	assert.NoError(t, m.Acquire(ctx, 1, model.LockTransfer, 0, ""))
	assert.NoError(t, m.ReleaseVerify(ctx, 1, ""))
	locks, err := m.Active(ctx)
	assert.NoError(t, err)
	assert.Len(t, locks, 0)
}
