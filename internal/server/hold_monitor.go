package server

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/metrics"
	"github.com/and161185/payledger/internal/model"
)

const holdMonitorWorkers = 2

// HoldMonitor flags holds that were never committed or released, typically after a crash
// between capture and commit. Flagged settlements keep their funds held until an operator resolves them.
func (srv *Server) HoldMonitor(ctx context.Context) {
	if srv.config.StaleHoldAfter <= 0 {
		return
	}

	ch := make(chan model.Settlement, 10*holdMonitorWorkers)
	go srv.ScanStaleHolds(ctx, ch)

	for i := 0; i < holdMonitorWorkers; i++ {
		go srv.FlagStaleHolds(ctx, ch)
	}
}

func (srv *Server) ScanStaleHolds(ctx context.Context, ch chan<- model.Settlement) {
	period := srv.config.HoldScanPeriod
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		srv.scanOnce(ctx, ch)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (srv *Server) scanOnce(ctx context.Context, ch chan<- model.Settlement) {
	holds, err := srv.storage.ListStaleHolds(ctx, srv.config.StaleHoldAfter)
	if err != nil {
		if ctx.Err() == nil {
			srv.deps.Logger.Errorf("list stale holds: %v", err)
		}
		return
	}

	skipped := 0
	for _, s := range holds {
		select {
		case ch <- s:
		default:
			skipped++
		}
	}
	if skipped > 0 {
		srv.deps.Logger.Warnf("channel full, skipped %d stale holds until next scan", skipped)
	}
}

func (srv *Server) FlagStaleHolds(ctx context.Context, ch <-chan model.Settlement) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			if err := srv.storage.MarkInconsistent(ctx, s.ID, s.ProcessorOrderID); err != nil {
				if errors.Is(err, errs.ErrSettlementState) {
					// committed or released since the scan
					continue
				}
				srv.deps.Logger.Errorf("flag stale hold %s: %v", s.ID, err)
				continue
			}
			metrics.StaleHoldsFlagged.Inc()
			srv.deps.Logger.Warnw("stale hold flagged for operator review",
				"settlement_id", s.ID, "payer_id", s.PayerID, "amount", model.FormatMoney(s.Amount), "held_since", s.CreatedAt)
		}
	}
}
