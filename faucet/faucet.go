// Package faucet implements the faucet service.
//
// The service exposes a RESTful API for clients to request signet or testnet funds: on-chain sends, lightning
// payments, invoices and inbound channels. Every request claims capacity from a shared ledger before the backend
// daemons are invoked, so concurrent requests can never overcommit the wallet balance, channel liquidity or
// channel slots.
package faucet

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/sirupsen/logrus"

	"faucetd/lib/backend"
	"faucetd/lib/backend/types"
	"faucetd/lib/config"
	"faucetd/lib/ledger"
	"faucetd/lib/msg"
	"faucetd/lib/ratelimit"
	"faucetd/lib/store"
	"faucetd/lib/store/db"
)

// infoTimeout bounds the startup calls that cache node identities.
const infoTimeout = 10 * time.Second

// Faucet contains the data necessary to deliver the service
type Faucet struct {
	conf   config.ServiceConfig
	params *chaincfg.Params
	led    *ledger.Ledger
	lim    map[string]*ratelimit.Limiter
	chain  backend.Node // bitcoind client
	ln     backend.Node // lnd client
	db     store.DB     // journal, may be nil
	mb     msg.MsgBroker
	val    *validator.Validate
	log    *logrus.Logger

	nodeInfo types.NodeInfo // lightning node identity, cached at startup

	// decodeInvoice parses a bolt11 invoice into its payment hash and amount in sats.
	decodeInvoice func(bolt11 string) (hash string, sats uint64, err error)

	pmu    sync.Mutex
	probes map[string]pendingOp // reservation id -> how to resolve it against a backend

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // http server channel used for graceful shutdowns
	rc chan struct{} // reconciler channel used for graceful shutdowns
}

// pendingOp carries everything the reconciler needs to ask a backend whether an ambiguous operation happened.
// While inflight is set the dispatch call has not returned yet and the reconciler must not touch the
// reservation: the backend could truthfully answer "not found" for an operation that is still being made.
type pendingOp struct {
	variant  string
	probe    types.StatusProbe
	inflight bool
}

// New returns a pointer to a new Faucet service. The journal db and message broker may be nil; the service then
// runs without crash recovery and without publishing events.
func New(conf config.ServiceConfig, chain, ln backend.Node, dbConn store.DB, mb msg.MsgBroker) (*Faucet, error) {
	params, err := types.ChainParams(conf.Network)
	if err != nil {
		return nil, err
	}

	window := time.Duration(conf.Rate.WindowSec) * time.Second

	f := &Faucet{
		conf:   conf,
		params: params,
		chain:  chain,
		ln:     ln,
		db:     dbConn,
		mb:     mb,
		val:    validator.New(),
		log:    logrus.New(),
		led: ledger.New(map[ledger.Kind]uint64{
			ledger.Onchain:       conf.Caps.OnchainCap,
			ledger.LightningSend: conf.Caps.LightningCap,
			ledger.LightningRecv: conf.Caps.ReceiveCap,
			ledger.ChannelSlot:   conf.Caps.ChannelSlots,
		}),
		lim: map[string]*ratelimit.Limiter{
			VariantOnchain:   ratelimit.New(window, conf.Onchain.RateRequests, conf.Onchain.RateSats),
			VariantLightning: ratelimit.New(window, conf.Lightning.RateRequests, conf.Lightning.RateSats),
			VariantInvoice:   ratelimit.New(window, conf.Invoice.RateRequests, conf.Invoice.RateSats),
			VariantChannel:   ratelimit.New(window, conf.Channel.RateRequests, conf.Channel.RateSats),
		},
		probes: make(map[string]pendingOp),
	}
	f.decodeInvoice = f.zpay32Decode

	ctx, cancel := context.WithTimeout(context.Background(), infoTimeout)
	defer cancel()

	if f.nodeInfo, err = ln.Info(ctx); err != nil {
		return nil, fmt.Errorf("getting lightning node info: %w", err)
	}

	if err = f.restorePending(); err != nil {
		return nil, fmt.Errorf("restoring journaled reservations: %w", err)
	}

	return f, nil
}

// Stop shuts down the http servers implementing the RESTful API, stops the reconciler and closes gracefully the
// connections to message broker, backends and database.
func (f *Faucet) Stop() {
	var err error
	// shutdown http server
	if f.s != nil {
		if err = f.s.Shutdown(context.Background()); err != nil {
			f.log.Errorf("Error in http server shutdown:%e", err)
		}
	}
	if f.ss != nil {
		if err = f.ss.Shutdown(context.Background()); err != nil {
			f.log.Errorf("Error in https server shutdown:%e", err)
		}
	}
	if f.sc != nil {
		close(f.sc) // close server channel to indicate shutdowns have finished
	}
	// stop the reconciler
	if f.rc != nil {
		close(f.rc)
	}
	// close message broker
	if f.mb != nil {
		if err = f.mb.Close(); err != nil {
			f.log.Errorf("Error closing message broker:%e", err)
		}
	}
	// close backends
	backend.End(f.chain, f.ln)
	// close database
	if f.db != nil {
		err = db.Close(f.conf.DBType, f.db)
		f.log.Infof("Disconnecting %v database, err:%v", f.conf.DBType, err)
	}
}

// restorePending reloads journaled held reservations after a restart, so the capacity they claimed before the
// crash stays claimed until the reconciler settles each one against its backend.
func (f *Faucet) restorePending() error {
	if f.db == nil {
		return nil
	}

	rs, err := f.db.PendingReservations()
	if err != nil {
		return err
	}

	for _, r := range rs {
		err = f.led.Restore(ledger.Reservation{
			ID:        r.ID,
			RequestID: r.RequestID,
			Kind:      ledger.Kind(r.Kind),
			Amount:    r.Amount,
			State:     ledger.Held,
			CreatedAt: r.CreatedAt,
		})
		if err != nil {
			return err
		}

		f.track(r.ID, pendingOp{
			variant: r.Variant,
			probe: types.StatusProbe{
				Token:        r.Token,
				Op:           opForVariant(r.Variant),
				PaymentHash:  r.PaymentHash,
				Pubkey:       r.Pubkey,
				CapacitySats: r.CapacitySats,
			},
		})

		f.log.WithFields(logrus.Fields{
			"reservation": r.ID,
			"variant":     r.Variant,
			"amount":      r.Amount,
		}).Info("restored pending reservation from journal")
	}

	return nil
}

func opForVariant(variant string) types.Op {
	switch variant {
	case VariantLightning:
		return types.OpPay
	case VariantInvoice:
		return types.OpInvoice
	case VariantChannel:
		return types.OpChannel
	}

	return types.OpSend
}

func (f *Faucet) track(id string, p pendingOp) {
	f.pmu.Lock()
	f.probes[id] = p
	f.pmu.Unlock()
}

func (f *Faucet) untrack(id string) {
	f.pmu.Lock()
	delete(f.probes, id)
	f.pmu.Unlock()
}

func (f *Faucet) probeFor(id string) (pendingOp, bool) {
	f.pmu.Lock()
	defer f.pmu.Unlock()

	p, ok := f.probes[id]

	return p, ok
}

// zpay32Decode is the default bolt11 decoder. Zero-amount invoices are rejected: the faucet must know how many
// sats to claim from the ledger before paying.
func (f *Faucet) zpay32Decode(bolt11 string) (string, uint64, error) {
	inv, err := zpay32.Decode(bolt11, f.params)
	if err != nil {
		return "", 0, fmt.Errorf("decoding invoice: %w", err)
	}

	if inv.MilliSat == nil || *inv.MilliSat == 0 {
		return "", 0, fmt.Errorf("invoice carries no amount")
	}

	return hex.EncodeToString(inv.PaymentHash[:]), uint64(inv.MilliSat.ToSatoshis()), nil
}

// event publishes a terminal dispatch outcome to the message broker, if one is configured.
func (f *Faucet) event(requestID, variant, outcome string, sats uint64, reference, reason string) {
	if f.mb == nil {
		return
	}

	err := f.mb.SendEvent(f.conf.Network, msg.FaucetEvent{
		RequestID: requestID,
		Variant:   variant,
		Outcome:   outcome,
		Sats:      sats,
		Reference: reference,
		Reason:    reason,
		At:        time.Now(),
	})
	if err != nil {
		f.log.Errorf("Error publishing faucet event for %s:%v", requestID, err)
	}
}
