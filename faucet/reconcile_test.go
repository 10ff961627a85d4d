package faucet

import (
	"testing"
	"time"

	"faucetd/lib/backend/types"
	"faucetd/lib/ledger"
)

// ambiguousDispatch drives one onchain request into the held state and returns its reservation id.
func ambiguousDispatch(t *testing.T, f *Faucet, chain *stubNode) string {
	t.Helper()

	chain.outcome = types.Ambiguous("deadline exceeded")

	_, fa := f.SendOnchain("1.2.3.4", 1000, testAddr)
	if fa == nil || fa.Kind != FaultPending {
		t.Fatalf("Fault:%+v expected pending", fa)
	}

	id := chain.lastToken()
	if _, ok := f.probeFor(id); !ok {
		t.Fatalf("No probe registered for %s", id)
	}

	return id
}

func TestReconcileCommitsConfirmedSend(t *testing.T) {
	chain := &stubNode{}
	conf := testConfig(t)
	conf.Reconcile.StalenessSec = 0 // every held reservation is immediately due
	f := newTestFaucet(t, conf, chain, &stubNode{})

	id := ambiguousDispatch(t, f, chain)

	// the backend confirms the send happened
	chain.status = types.Outcome{Status: types.StatusSuccess, TxID: "ab"}
	f.reconcileOnce()

	r, ok := f.led.Get(id)
	if !ok || r.State != ledger.Committed {
		t.Errorf("State:%v expected committed", r.State)
	}
	if got := f.led.Outstanding(ledger.Onchain); got != 1000 {
		t.Errorf("Outstanding:%d expected:1000", got)
	}
	if _, ok = f.probeFor(id); ok {
		t.Error("Probe should be dropped after resolution")
	}

	// the probe carried the idempotency token
	if len(chain.probes) != 1 || chain.probes[0].Token != id {
		t.Errorf("Probes:%+v", chain.probes)
	}
}

func TestReconcileReleasesAbsentSend(t *testing.T) {
	chain := &stubNode{}
	conf := testConfig(t)
	conf.Reconcile.StalenessSec = 0
	f := newTestFaucet(t, conf, chain, &stubNode{})

	id := ambiguousDispatch(t, f, chain)

	// the backend confirms nothing was ever sent
	chain.status = types.Failed("no wallet transaction for token " + id)
	f.reconcileOnce()

	r, ok := f.led.Get(id)
	if !ok || r.State != ledger.Released {
		t.Errorf("State:%v expected released", r.State)
	}
	if got := f.led.Outstanding(ledger.Onchain); got != 0 {
		t.Errorf("Outstanding:%d expected:0", got)
	}
}

func TestReconcileLeavesAmbiguousHeld(t *testing.T) {
	chain := &stubNode{}
	conf := testConfig(t)
	conf.Reconcile.StalenessSec = 0
	f := newTestFaucet(t, conf, chain, &stubNode{})

	id := ambiguousDispatch(t, f, chain)

	// the backend still cannot answer, the claim must not move
	chain.status = types.Ambiguous("wallet is busy")
	f.reconcileOnce()

	r, ok := f.led.Get(id)
	if !ok || r.State != ledger.Held {
		t.Errorf("State:%v expected held", r.State)
	}
	if _, ok = f.probeFor(id); !ok {
		t.Error("Probe must survive for the next sweep")
	}

	// a later sweep with a clean answer settles it, exactly once
	chain.status = types.Outcome{Status: types.StatusSuccess, TxID: "ab"}
	f.reconcileOnce()
	f.reconcileOnce()

	r, _ = f.led.Get(id)
	if r.State != ledger.Committed {
		t.Errorf("State:%v expected committed", r.State)
	}
	if got := f.led.Outstanding(ledger.Onchain); got != 1000 {
		t.Errorf("Outstanding:%d expected:1000", got)
	}
}

func TestReconcileLightningProbeGoesToLnd(t *testing.T) {
	ln := &stubNode{outcome: types.Ambiguous("grpc unavailable")}
	conf := testConfig(t)
	conf.Reconcile.StalenessSec = 0
	f := newTestFaucet(t, conf, &stubNode{}, ln)
	f.decodeInvoice = func(string) (string, uint64, error) { return "beef", 2000, nil }

	_, fa := f.PayInvoice("1.2.3.4", "lntb20u1...")
	if fa == nil || fa.Kind != FaultPending {
		t.Fatalf("Fault:%+v expected pending", fa)
	}

	ln.status = types.Outcome{Status: types.StatusSuccess, PaymentHash: "beef"}
	f.reconcileOnce()

	if len(ln.probes) != 1 || ln.probes[0].Op != types.OpPay || ln.probes[0].PaymentHash != "beef" {
		t.Errorf("Probes:%+v", ln.probes)
	}
	if got := f.led.Outstanding(ledger.LightningSend); got != 2000 {
		t.Errorf("Outstanding:%d expected:2000", got)
	}
}

// TestReconcileSkipsInflightDispatch sweeps while a dispatch RPC is still on the wire. The backend would
// truthfully answer "not found yet", but the claim must stay held: releasing it and then delivering the send
// would overcommit the pool.
func TestReconcileSkipsInflightDispatch(t *testing.T) {
	chain := &stubNode{
		outcome: types.Outcome{Status: types.StatusSuccess, TxID: "ab"},
		status:  types.Failed("no wallet transaction for token"),
		block:   make(chan struct{}),
	}
	conf := testConfig(t)
	conf.Reconcile.StalenessSec = 0
	f := newTestFaucet(t, conf, chain, &stubNode{})

	type reply struct {
		res Result
		fa  *Fault
	}

	done := make(chan reply, 1)

	go func() {
		res, fa := f.SendOnchain("1.2.3.4", 1000, testAddr)
		done <- reply{res, fa}
	}()

	// wait until the send reached the stub, so the reservation is held and its probe registered
	deadline := time.After(5 * time.Second)
	for chain.lastToken() == "" {
		select {
		case <-deadline:
			t.Fatal("Dispatch never reached the backend")
		case <-time.After(time.Millisecond):
		}
	}

	f.reconcileOnce()

	if got := f.led.Outstanding(ledger.Onchain); got != 1000 {
		t.Fatalf("Outstanding:%d expected:1000, sweep touched an in-flight reservation", got)
	}

	// the send completes and commits its claim as if no sweep had happened
	close(chain.block)

	r := <-done
	if r.fa != nil {
		t.Fatalf("Fault:%+v", r.fa)
	}
	if r.res.Outcome.TxID != "ab" {
		t.Errorf("Result:%+v", r.res)
	}
	if got := f.led.Outstanding(ledger.Onchain); got != 1000 {
		t.Errorf("Outstanding:%d expected:1000", got)
	}
}

func TestReconcileReleasesWithoutProbe(t *testing.T) {
	chain := &stubNode{}
	conf := testConfig(t)
	conf.Reconcile.StalenessSec = 0
	f := newTestFaucet(t, conf, chain, &stubNode{})

	id := ambiguousDispatch(t, f, chain)

	// simulate a registry gap: ground truth is unreachable, the capacity must not leak forever
	f.untrack(id)
	f.reconcileOnce()

	r, _ := f.led.Get(id)
	if r.State != ledger.Released {
		t.Errorf("State:%v expected released", r.State)
	}
}
