package faucet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"faucetd/lib/backend"
	"faucetd/lib/backend/types"
	"faucetd/lib/ledger"
)

// Reconcile starts the background sweeper that settles reservations left held by ambiguous backend outcomes. It
// periodically asks the owning backend for ground truth: a confirmed operation commits its reservation, a
// confirmed absence releases it, and anything still unclear stays held for the next sweep.
func (f *Faucet) Reconcile() {
	f.rc = make(chan struct{})

	go func() {
		interval := time.Duration(f.conf.Reconcile.IntervalSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		f.log.Infof("Reconciler sweeping every %v", interval)

		for {
			select {
			case <-f.rc:
				f.log.Info("Reconciler stopped")

				return
			case <-ticker.C:
				f.reconcileOnce()
			}
		}
	}()
}

// reconcileOnce settles every reservation held longer than the staleness threshold.
func (f *Faucet) reconcileOnce() {
	staleness := time.Duration(f.conf.Reconcile.StalenessSec) * time.Second

	for _, r := range f.led.HeldSince(staleness) {
		f.reconcileReservation(r)
	}
}

func (f *Faucet) reconcileReservation(r ledger.Reservation) {
	pd, ok := f.probeFor(r.ID)
	if !ok {
		// no probe survives for this reservation, so ground truth is out of reach; release rather than
		// strand the capacity forever
		f.log.Warnf("No probe for held reservation %s, releasing", r.ID)
		f.resolve(r, pendingOp{variant: "unknown"}, false, "no probe available")

		return
	}

	if pd.inflight {
		// the dispatch call has not returned yet; a probe now could release capacity the backend is
		// about to consume
		return
	}

	node := f.nodeFor(pd.variant)

	ctx, cancel := context.WithTimeout(context.Background(), f.probeTimeout(pd.variant))
	defer cancel()

	out := node.OperationStatus(ctx, pd.probe)

	switch out.Status {
	case types.StatusSuccess:
		f.resolve(r, pd, true, reference(out))
	case types.StatusFailure:
		f.resolve(r, pd, false, out.Reason)
	default:
		// still ambiguous, leave it for the next sweep
	}
}

func (f *Faucet) resolve(r ledger.Reservation, pd pendingOp, committed bool, detail string) {
	done, err := f.led.Resolve(r.ID, committed)
	if err != nil {
		f.log.Errorf("Error resolving reservation %s:%v", r.ID, err)

		return
	}

	if !done {
		return
	}

	verdict := outcomeFailure
	if committed {
		verdict = outcomeSuccess
	}

	reconcileCount.WithLabelValues(verdict).Inc()
	f.settle(r.ID)
	f.event(r.RequestID, pd.variant, verdict, r.Amount, detail, "")
	f.gauge(r.Kind)

	f.log.WithFields(logrus.Fields{
		"reservation": r.ID,
		"variant":     pd.variant,
		"verdict":     verdict,
		"detail":      detail,
	}).Info("reconciled reservation")
}

func (f *Faucet) nodeFor(variant string) backend.Node {
	if variant == VariantOnchain {
		return f.chain
	}

	return f.ln
}

func (f *Faucet) probeTimeout(variant string) time.Duration {
	sec := f.conf.Onchain.RPCTimeoutSec

	switch variant {
	case VariantLightning:
		sec = f.conf.Lightning.RPCTimeoutSec
	case VariantInvoice:
		sec = f.conf.Invoice.RPCTimeoutSec
	case VariantChannel:
		sec = f.conf.Channel.RPCTimeoutSec
	}

	return time.Duration(sec) * time.Second
}
