package scanner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/ledger"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/repo"
	"go.uber.org/zap"
)

// Scanner polls the chain for inbound transfers to the custodial address and
// credits the ledger exactly once per external transaction. It needs no
// account locks: credits only ever increase a balance, and the
// ProcessedDeposit primary key makes overlapping scanner runs safe.
type Scanner struct {
	ledger *ledger.Ledger
	repo   repo.RepositoryInterface
	gw     chain.Gateway
	log    *zap.SugaredLogger

	custodialAddr string
	denom         string
	watermark     int64
}

// New builds a scanner, recovering the height watermark from the processed
// deposit table so restarts resume where the last run stopped.
func New(ctx context.Context, l *ledger.Ledger, r repo.RepositoryInterface, gw chain.Gateway, logger *zap.SugaredLogger, custodialAddr, denom string) (*Scanner, error) {
	wm, err := r.MaxProcessedHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover watermark: %w", err)
	}
	return &Scanner{
		ledger: l, repo: r, gw: gw, log: logger,
		custodialAddr: custodialAddr, denom: denom, watermark: wm,
	}, nil
}

// Watermark returns the highest chain height processed so far.
func (s *Scanner) Watermark() int64 { return s.watermark }

// Run polls on the given interval until ctx ends.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.Poll(ctx); err != nil {
			s.log.Errorf("deposit scan: %v", err)
		}
	}
}

// Poll fetches transfers above the watermark and processes each candidate.
func (s *Scanner) Poll(ctx context.Context) error {
	txs, err := s.gw.SearchTransfers(ctx, s.custodialAddr, s.watermark)
	if err != nil {
		return fmt.Errorf("search transfers: %w", err)
	}
	for i := range txs {
		s.process(ctx, &txs[i])
	}
	return nil
}

// inboundAmount picks the base-unit amount sent to the custodial address in
// the expected denom, or 0 if the transaction carries none.
func (s *Scanner) inboundAmount(tx *chain.TxInfo) (int64, string) {
	for _, msg := range tx.Messages {
		if msg.To == s.custodialAddr && msg.Denom == s.denom && msg.Amount > 0 {
			return msg.Amount, msg.From
		}
	}
	return 0, ""
}

// routingToken resolves the destination account id: a numeric memo wins,
// otherwise the id is recovered heuristically from the raw transaction
// bytes. The returned string is the raw token kept for the audit row.
func routingToken(tx *chain.TxInfo, baseAmount int64) (int64, string, bool) {
	if tx.Memo != "" {
		if id, err := strconv.ParseInt(tx.Memo, 10, 64); err == nil && id > 0 {
			return id, tx.Memo, true
		}
		return 0, tx.Memo, false
	}
	if id, ok := chain.ExtractRoutingToken(tx.RawBytes, baseAmount); ok {
		return id, strconv.FormatInt(id, 10), true
	}
	return 0, "", false
}

func (s *Scanner) process(ctx context.Context, tx *chain.TxInfo) {
	if !tx.Success {
		return
	}
	baseAmount, from := s.inboundAmount(tx)
	if baseAmount == 0 {
		return
	}
	// exact conversion from integer base units; never rounds up
	amount := chain.FromBaseUnits(baseAmount)

	target, rawToken, resolved := routingToken(tx, baseAmount)

	// the insert is the idempotency gate: it must precede the credit so
	// retries of the same batch cannot credit twice
	inserted, err := s.repo.InsertProcessedDeposit(ctx, &model.ProcessedDeposit{
		ExternalTxID:  tx.TxID,
		Amount:        amount,
		SourceAddress: from,
		RoutingToken:  rawToken,
		ChainHeight:   tx.Height,
		Status:        model.DepositPending,
	})
	if err != nil {
		s.log.Errorf("deposit %s: insert: %v", tx.TxID, err)
		return
	}
	if !inserted {
		return
	}

	creditTo := model.AccountUnclaimed
	var accountRef *int64
	if resolved {
		creditTo = target
		accountRef = &target
	} else {
		s.log.Infof("deposit %s: no routing token (memo %q), crediting unclaimed", tx.TxID, tx.Memo)
	}

	desc := fmt.Sprintf("chain deposit from %s", from)
	if _, err := s.ledger.Credit(ctx, creditTo, amount, model.TxDeposit, tx.TxID, desc); err != nil {
		// no automatic retry: the idempotency row already exists, so an
		// ambiguous failure must not risk a second credit. An operator
		// reprocesses explicitly.
		s.log.Errorf("deposit %s: credit account %d: %v", tx.TxID, creditTo, err)
		if uerr := s.repo.FinishProcessedDeposit(ctx, tx.TxID, model.DepositFailed, err.Error(), nil); uerr != nil {
			s.log.Errorf("deposit %s: mark failed: %v", tx.TxID, uerr)
		}
		return
	}
	if err := s.repo.FinishProcessedDeposit(ctx, tx.TxID, model.DepositCredited, "", accountRef); err != nil {
		s.log.Errorf("deposit %s: mark credited: %v", tx.TxID, err)
	}
	if tx.Height > s.watermark {
		s.watermark = tx.Height
	}
	s.log.Infof("deposit %s: credited %s to account %d (height %d)", tx.TxID, amount, creditTo, tx.Height)
}
