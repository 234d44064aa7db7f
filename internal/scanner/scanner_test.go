package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/ledger"
	"github.com/jamesxu042/custody-service/internal/logger"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	custodialAddr = "pay1qx7c4w0mnz4l9m8t2h5u6rfy3d0kq8e9s2vplw"
	denom         = "upay"
)

type fakeGateway struct {
	txs []chain.TxInfo
}

func (f *fakeGateway) SearchTransfers(ctx context.Context, to string, since int64) ([]chain.TxInfo, error) {
	var out []chain.TxInfo
	for _, tx := range f.txs {
		if tx.Height > since {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeGateway) GetTransferByHash(ctx context.Context, txID string) (*chain.TxInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetBalance(ctx context.Context, addr string) (int64, error) { return 0, nil }

func (f *fakeGateway) BroadcastTransfer(ctx context.Context, signer, to string, amount int64, memo string) (*chain.BroadcastResult, error) {
	return nil, errors.New("not implemented")
}

func inbound(txID string, height, amount int64, memo string) chain.TxInfo {
	return chain.TxInfo{
		TxID: txID, Height: height, Success: true, Memo: memo,
		Messages: []chain.TransferMsg{{From: "pay1senderaddraaaaaaaaaaaa", To: custodialAddr, Amount: amount, Denom: denom}},
	}
}

func newTestScanner(t *testing.T, gw *fakeGateway) (*Scanner, *ledger.Ledger, *repo.Repository, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Account{}, &model.Transaction{},
		&model.ProcessedDeposit{}, &model.AccountLock{}, &model.OutboxEvent{},
	))
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	l := ledger.New(r, log)
	ctx := context.Background()
	s, err := New(ctx, l, r, gw, log, custodialAddr, denom)
	assert.NoError(t, err)
	return s, l, r, ctx
}

func TestPoll_CreditsMemoAccount(t *testing.T) {
	gw := &fakeGateway{txs: []chain.TxInfo{inbound("TX1", 100, 10000000, "42")}}
	s, l, r, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))

	bal, err := l.Balance(ctx, 42)
	assert.NoError(t, err)
	assert.Equal(t, "10.000000", bal.StringFixed(6))

	d, err := r.GetProcessedDeposit(ctx, "TX1")
	assert.NoError(t, err)
	assert.Equal(t, model.DepositCredited, d.Status)
	assert.NotNil(t, d.AccountID)
	assert.Equal(t, int64(42), *d.AccountID)
	assert.Equal(t, int64(100), s.Watermark())
}

func TestPoll_DuplicateCreditsOnce(t *testing.T) {
	gw := &fakeGateway{txs: []chain.TxInfo{inbound("TX1", 100, 10000000, "42")}}
	s, l, r, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))
	first, err := l.Balance(ctx, 42)
	assert.NoError(t, err)

	// same batch again
	assert.NoError(t, s.Poll(ctx))

	// and a fresh instance recovering the watermark, as after a restart
	s2, err := New(ctx, l, r, gw, s.log, custodialAddr, denom)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), s2.Watermark())

	// even with the watermark wound back (restart overlapping a
	// still-running instance), the primary key gate holds
	s2.watermark = 0
	assert.NoError(t, s2.Poll(ctx))

	second, err := l.Balance(ctx, 42)
	assert.NoError(t, err)
	assert.True(t, first.Equal(second), "resubmitting the same external tx must credit exactly once")
}

func TestPoll_BadMemoRoutesToUnclaimed(t *testing.T) {
	gw := &fakeGateway{txs: []chain.TxInfo{inbound("TX1", 100, 10000000, "not-a-number")}}
	s, l, r, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))

	unclaimed, err := l.Balance(ctx, model.AccountUnclaimed)
	assert.NoError(t, err)
	assert.Equal(t, "10.000000", unclaimed.StringFixed(6))

	_, err = l.Balance(ctx, 42)
	assert.Error(t, err, "account 42 must not be credited")

	// the raw memo is kept for manual reassignment
	d, err := r.GetProcessedDeposit(ctx, "TX1")
	assert.NoError(t, err)
	assert.Equal(t, "not-a-number", d.RoutingToken)
	assert.Nil(t, d.AccountID)
	assert.Equal(t, model.DepositCredited, d.Status)
}

func TestPoll_HeuristicTokenFromRawBytes(t *testing.T) {
	tx := inbound("TX1", 100, 10000000, "")
	tx.RawBytes = []byte("\x0a\x96\x01pay1sender\x12\x0810000000upay\x1a\x09987654321\xff")
	gw := &fakeGateway{txs: []chain.TxInfo{tx}}
	s, l, _, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))

	bal, err := l.Balance(ctx, 987654321)
	assert.NoError(t, err)
	assert.Equal(t, "10.000000", bal.StringFixed(6))
}

func TestPoll_SkipsFailedAndForeignTransfers(t *testing.T) {
	failed := inbound("TX1", 100, 10000000, "42")
	failed.Success = false
	wrongDenom := inbound("TX2", 101, 10000000, "42")
	wrongDenom.Messages[0].Denom = "uatom"
	otherRecipient := inbound("TX3", 102, 10000000, "42")
	otherRecipient.Messages[0].To = "pay1someoneelseaaaaaaaaaaaaaa"

	gw := &fakeGateway{txs: []chain.TxInfo{failed, wrongDenom, otherRecipient}}
	s, l, r, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))

	_, err := l.Balance(ctx, 42)
	assert.Error(t, err)
	for _, id := range []string{"TX1", "TX2", "TX3"} {
		_, err := r.GetProcessedDeposit(ctx, id)
		assert.Error(t, err, "discarded candidates must not consume the idempotency key")
	}
	assert.Equal(t, int64(0), s.Watermark())
}

func TestPoll_WatermarkSkipsOldHeights(t *testing.T) {
	gw := &fakeGateway{txs: []chain.TxInfo{
		inbound("TX1", 100, 10000000, "42"),
		inbound("TX2", 105, 20000000, "42"),
	}}
	s, l, _, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))
	assert.Equal(t, int64(105), s.Watermark())

	// a later transfer shows up; earlier heights are no longer queried
	gw.txs = append(gw.txs, inbound("TX3", 110, 5000000, "42"))
	assert.NoError(t, s.Poll(ctx))

	bal, err := l.Balance(ctx, 42)
	assert.NoError(t, err)
	assert.Equal(t, "35.000000", bal.StringFixed(6))
	assert.Equal(t, int64(110), s.Watermark())
}

func TestPoll_FailedDepositIsNotRetried(t *testing.T) {
	gw := &fakeGateway{txs: []chain.TxInfo{inbound("TX1", 100, 10000000, "42")}}
	s, _, r, ctx := newTestScanner(t, gw)

	assert.NoError(t, s.Poll(ctx))
	assert.NoError(t, r.FinishProcessedDeposit(ctx, "TX1", model.DepositFailed, "simulated", nil))

	// the idempotency key already exists, so polling again must not
	// resurrect the deposit; recovery is an explicit operator action
	s.watermark = 0
	assert.NoError(t, s.Poll(ctx))
	d, err := r.GetProcessedDeposit(ctx, "TX1")
	assert.NoError(t, err)
	assert.Equal(t, model.DepositFailed, d.Status)
	assert.Equal(t, "simulated", d.Error)
}
