package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is one reconciliation snapshot.
type Result struct {
	InternalTotal decimal.Decimal `json:"internal_total"`
	OnChainTotal  decimal.Decimal `json:"onchain_total"`
	Difference    decimal.Decimal `json:"difference"`
	Matched       bool            `json:"matched"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// Reconciler periodically compares the ledger total against the custodial
// address balance. It never corrects balances: a mismatch may be an
// in-flight withdrawal rather than drift, so it only alerts.
type Reconciler struct {
	ledger *ledger.Ledger
	gw     chain.Gateway
	log    *zap.SugaredLogger

	custodialAddr  string
	tolerance      decimal.Decimal
	alertThreshold decimal.Decimal

	mu   sync.Mutex
	last *Result
}

// New builds a reconciler. tolerance absorbs fixed-point rounding;
// alertThreshold is the level at which a mismatch pages an operator.
func New(l *ledger.Ledger, gw chain.Gateway, logger *zap.SugaredLogger, custodialAddr string, tolerance, alertThreshold decimal.Decimal) *Reconciler {
	return &Reconciler{
		ledger: l, gw: gw, log: logger,
		custodialAddr: custodialAddr, tolerance: tolerance, alertThreshold: alertThreshold,
	}
}

// Check performs one comparison and records the result.
func (r *Reconciler) Check(ctx context.Context) (*Result, error) {
	internal, err := r.ledger.TotalBalance(ctx, true)
	if err != nil {
		return nil, err
	}
	base, err := r.gw.GetBalance(ctx, r.custodialAddr)
	if err != nil {
		return nil, err
	}
	onChain := chain.FromBaseUnits(base)
	diff := internal.Sub(onChain).Abs()

	res := &Result{
		InternalTotal: internal,
		OnChainTotal:  onChain,
		Difference:    diff,
		Matched:       diff.LessThanOrEqual(r.tolerance),
		CheckedAt:     time.Now(),
	}
	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	switch {
	case res.Matched:
		r.log.Infof("reconcile: matched (ledger %s, chain %s)", internal, onChain)
	case diff.GreaterThan(r.alertThreshold):
		r.log.Warnf("reconcile: MISMATCH of %s (ledger %s, chain %s), operator attention required", diff, internal, onChain)
	default:
		r.log.Infof("reconcile: off by %s, within alert threshold (ledger %s, chain %s)", diff, internal, onChain)
	}
	return res, nil
}

// Last returns the most recent snapshot, or nil before the first check.
func (r *Reconciler) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run checks on the given interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := r.Check(ctx); err != nil {
			r.log.Errorf("reconcile: %v", err)
		}
	}
}
