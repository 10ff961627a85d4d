package faucet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"faucetd/lib/backend/types"
	"faucetd/lib/ledger"
	"faucetd/lib/store"
)

// Variants of faucet request.
const (
	VariantOnchain   = "onchain"
	VariantLightning = "lightning"
	VariantInvoice   = "bolt11"
	VariantChannel   = "channel"
)

// Outcome labels used in events and metrics.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomePending = "pending"
)

// FaultKind classifies why a request did not succeed.
type FaultKind int

const (
	FaultValidation FaultKind = iota
	FaultRateLimited
	FaultCapacity
	FaultBackend
	FaultPending
	FaultInternal
)

// Fault is the error returned to API clients for any non-successful request.
type Fault struct {
	Kind      FaultKind
	Reason    string
	RequestID string // set for pending faults so clients can follow up
}

func (f *Fault) Error() string {
	return f.Reason
}

func fault(kind FaultKind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Result is the successful reply to a dispatched request.
type Result struct {
	RequestID string
	Outcome   types.Outcome
}

// plan carries a validated request through the dispatch pipeline: the capacity to claim, the rate keys to charge
// and the backend call to make once the claim holds.
type plan struct {
	variant  string
	kind     ledger.Kind
	amount   uint64   // ledger units: sats, or 1 for a channel slot
	rateSats uint64   // sats charged against the rate window
	keys     []string // rate limiter keys, all must pass
	timeout  time.Duration
	probe    types.StatusProbe // how the reconciler can resolve an ambiguous outcome
	journal  store.Reservation // variant fields for the journal record
	invoke   func(ctx context.Context, token string) types.Outcome
}

// SendOnchain dispatches an on-chain send of sats to address.
func (f *Faucet) SendOnchain(origin string, sats uint64, address string) (Result, *Fault) {
	if sats == 0 || sats > f.conf.Onchain.Ceiling {
		return Result{}, fault(FaultValidation, "amount must be between 1 and %d sats", f.conf.Onchain.Ceiling)
	}

	addr, err := btcutil.DecodeAddress(address, f.params)
	if err != nil {
		return Result{}, fault(FaultValidation, "invalid address: %v", err)
	}

	if !addr.IsForNet(f.params) {
		return Result{}, fault(FaultValidation, "address is not for network %s", f.conf.Network)
	}

	return f.dispatch(plan{
		variant:  VariantOnchain,
		kind:     ledger.Onchain,
		amount:   sats,
		rateSats: sats,
		keys:     []string{origin, address},
		timeout:  time.Duration(f.conf.Onchain.RPCTimeoutSec) * time.Second,
		probe:    types.StatusProbe{Op: types.OpSend},
		journal:  store.Reservation{Address: address},
		invoke: func(ctx context.Context, token string) types.Outcome {
			return f.chain.SendOnchain(ctx, types.OnchainReq{Token: token, Sats: sats, Address: address})
		},
	})
}

// PayInvoice dispatches the payment of a bolt11 invoice. The invoice must carry an amount; the payment hash
// inside it doubles as the rate key, so resubmitting the same invoice burns the same budget.
func (f *Faucet) PayInvoice(origin, bolt11 string) (Result, *Fault) {
	hash, sats, err := f.decodeInvoice(bolt11)
	if err != nil {
		return Result{}, fault(FaultValidation, "%v", err)
	}

	if sats > f.conf.Lightning.Ceiling {
		return Result{}, fault(FaultValidation, "invoice amount %d above the %d sat ceiling",
			sats, f.conf.Lightning.Ceiling)
	}

	return f.dispatch(plan{
		variant:  VariantLightning,
		kind:     ledger.LightningSend,
		amount:   sats,
		rateSats: sats,
		keys:     []string{origin, hash},
		timeout:  time.Duration(f.conf.Lightning.RPCTimeoutSec) * time.Second,
		probe:    types.StatusProbe{Op: types.OpPay, PaymentHash: hash},
		journal:  store.Reservation{PaymentHash: hash},
		invoke: func(ctx context.Context, token string) types.Outcome {
			return f.ln.PayInvoice(ctx, types.PayReq{Token: token, Bolt11: bolt11, PaymentHash: hash, Sats: sats})
		},
	})
}

// CreateInvoice dispatches the creation of an invoice over sats, claiming receive capacity while it may be paid.
func (f *Faucet) CreateInvoice(origin string, sats uint64) (Result, *Fault) {
	if sats == 0 || sats > f.conf.Invoice.Ceiling {
		return Result{}, fault(FaultValidation, "amount must be between 1 and %d sats", f.conf.Invoice.Ceiling)
	}

	return f.dispatch(plan{
		variant:  VariantInvoice,
		kind:     ledger.LightningRecv,
		amount:   sats,
		rateSats: sats,
		keys:     []string{origin},
		timeout:  time.Duration(f.conf.Invoice.RPCTimeoutSec) * time.Second,
		probe:    types.StatusProbe{Op: types.OpInvoice},
		invoke: func(ctx context.Context, token string) types.Outcome {
			return f.ln.CreateInvoice(ctx, types.InvoiceReq{Token: token, Sats: sats})
		},
	})
}

// OpenChannel dispatches opening a channel to the node at pubkey, optionally connecting to host first. A channel
// claims one slot from the ledger whatever its capacity; the capacity is charged against the rate window instead.
func (f *Faucet) OpenChannel(origin string, capacity, push uint64, pubkey, host string) (Result, *Fault) {
	if capacity < f.conf.MinChannelSize || capacity > f.conf.Channel.Ceiling {
		return Result{}, fault(FaultValidation, "capacity must be between %d and %d sats",
			f.conf.MinChannelSize, f.conf.Channel.Ceiling)
	}

	if push > capacity {
		return Result{}, fault(FaultValidation, "push amount %d above channel capacity %d", push, capacity)
	}

	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return Result{}, fault(FaultValidation, "invalid pubkey: %v", err)
	}

	if _, err = btcec.ParsePubKey(raw); err != nil {
		return Result{}, fault(FaultValidation, "invalid pubkey: %v", err)
	}

	return f.dispatch(plan{
		variant:  VariantChannel,
		kind:     ledger.ChannelSlot,
		amount:   1,
		rateSats: capacity,
		keys:     []string{origin, pubkey},
		timeout:  time.Duration(f.conf.Channel.RPCTimeoutSec) * time.Second,
		probe:    types.StatusProbe{Op: types.OpChannel, Pubkey: pubkey, CapacitySats: capacity},
		journal:  store.Reservation{Pubkey: pubkey, CapacitySats: capacity},
		invoke: func(ctx context.Context, token string) types.Outcome {
			return f.ln.OpenChannel(ctx, types.ChannelReq{
				Token: token, CapacitySats: capacity, PushSats: push, Pubkey: pubkey, Host: host,
			})
		},
	})
}

// dispatch runs a validated plan through rate limiting, capacity reservation and the backend call, then settles
// the reservation according to the outcome. Ambiguous outcomes leave the reservation held for the reconciler.
func (f *Faucet) dispatch(p plan) (Result, *Fault) {
	requestID := uuid.NewString()

	if !f.lim[p.variant].Allow(p.rateSats, p.keys...) {
		dispatchCount.WithLabelValues(p.variant, "rate_limited").Inc()

		return Result{}, fault(FaultRateLimited, "rate limit exceeded for %s requests", p.variant)
	}

	res, err := f.led.Reserve(p.kind, p.amount, requestID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCapacity) {
			dispatchCount.WithLabelValues(p.variant, "insufficient_capacity").Inc()

			return Result{}, fault(FaultCapacity, "faucet is out of %s capacity, try again later", p.kind)
		}

		return Result{}, fault(FaultInternal, "%v", err)
	}

	// the reservation id doubles as the idempotency token the backends stamp into their operations
	p.probe.Token = res.ID
	f.track(res.ID, pendingOp{variant: p.variant, probe: p.probe, inflight: true})
	f.saveJournal(res, p)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	out := p.invoke(ctx, res.ID)

	switch out.Status {
	case types.StatusSuccess:
		if err = f.led.Commit(res.ID); err != nil {
			f.log.Errorf("Error committing reservation %s:%v", res.ID, err)
		}

		f.settle(res.ID)
		dispatchCount.WithLabelValues(p.variant, outcomeSuccess).Inc()
		f.event(requestID, p.variant, outcomeSuccess, p.amount, reference(out), "")
		f.gauge(p.kind)

		return Result{RequestID: requestID, Outcome: out}, nil

	case types.StatusFailure:
		if err = f.led.Release(res.ID); err != nil {
			f.log.Errorf("Error releasing reservation %s:%v", res.ID, err)
		}

		f.settle(res.ID)
		dispatchCount.WithLabelValues(p.variant, outcomeFailure).Inc()
		f.event(requestID, p.variant, outcomeFailure, p.amount, "", out.Reason)
		f.gauge(p.kind)

		return Result{}, fault(FaultBackend, "backend rejected the operation: %s", out.Reason)

	default: // ambiguous: the reservation stays held until the reconciler settles it
		f.track(res.ID, pendingOp{variant: p.variant, probe: p.probe}) // the call is over, probing is fair game
		dispatchCount.WithLabelValues(p.variant, outcomePending).Inc()
		f.event(requestID, p.variant, outcomePending, p.amount, "", out.Reason)

		// hand back the reservation id, the key the journal and probe registry know the operation by
		return Result{}, &Fault{
			Kind:      FaultPending,
			Reason:    "operation outcome unknown, it will be reconciled shortly",
			RequestID: res.ID,
		}
	}
}

// settle removes the probe registry entry and journal record of a reservation that reached a terminal state.
func (f *Faucet) settle(id string) {
	f.untrack(id)

	if f.db == nil {
		return
	}

	if err := f.db.DeleteReservation(id); err != nil && !errors.Is(err, store.ErrDataNotFound) {
		f.log.Errorf("Error deleting journal record %s:%v", id, err)
	}
}

// saveJournal writes the held reservation to the journal so a restart can restore it.
func (f *Faucet) saveJournal(res ledger.Reservation, p plan) {
	if f.db == nil {
		return
	}

	rec := p.journal
	rec.ID = res.ID
	rec.RequestID = res.RequestID
	rec.Kind = string(res.Kind)
	rec.Amount = res.Amount
	rec.State = res.State.String()
	rec.Variant = p.variant
	rec.Token = res.ID
	rec.CreatedAt = res.CreatedAt
	rec.UpdatedAt = res.CreatedAt

	if err := f.db.SaveReservation(rec); err != nil {
		f.log.Errorf("Error journaling reservation %s:%v", res.ID, err)
	}
}

// reference picks the client-facing handle out of a successful outcome.
func reference(out types.Outcome) string {
	switch {
	case out.TxID != "":
		return out.TxID
	case out.ChannelPoint != "":
		return out.ChannelPoint
	case out.PaymentHash != "":
		return out.PaymentHash
	}

	return out.Invoice
}
