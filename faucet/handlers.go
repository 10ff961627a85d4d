package faucet

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"faucetd/lib/ledger"
	"faucetd/lib/store"
)

// Request bodies accepted by the API.
type (
	onchainReq struct {
		Sats    uint64 `json:"sats" validate:"required"`
		Address string `json:"address" validate:"required"`
	}

	lightningReq struct {
		Bolt11 string `json:"bolt11" validate:"required"`
	}

	bolt11Req struct {
		AmountSats uint64 `json:"amount_sats" validate:"required"`
	}

	channelReq struct {
		CapacitySats uint64 `json:"capacity" validate:"required"`
		PushSats     uint64 `json:"push_amount"`
		Pubkey       string `json:"pubkey" validate:"required,len=66"`
		Host         string `json:"host"`
	}
)

// apiError is the JSON body replied for any non-successful request.
type apiError struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func faultStatus(kind FaultKind) int {
	switch kind {
	case FaultValidation:
		return http.StatusBadRequest
	case FaultRateLimited:
		return http.StatusTooManyRequests
	case FaultCapacity:
		return http.StatusServiceUnavailable
	case FaultBackend:
		return http.StatusBadGateway
	case FaultPending:
		return http.StatusAccepted
	}

	return http.StatusInternalServerError
}

func faultLabel(kind FaultKind) string {
	switch kind {
	case FaultValidation:
		return "validation"
	case FaultRateLimited:
		return "rate_limited"
	case FaultCapacity:
		return "insufficient_capacity"
	case FaultBackend:
		return "backend_failure"
	case FaultPending:
		return "pending"
	}

	return "internal"
}

// origin resolves the client key the rate limiter charges: the first X-Forwarded-For hop when present, the
// remote address otherwise.
func origin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// reply writes the response for a dispatched request and logs it.
func (f *Faucet) reply(rw http.ResponseWriter, r *http.Request, body interface{}, fa *Fault) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")

	entry := f.log.WithFields(logrus.Fields{
		"origin": origin(r),
		"uri":    r.RequestURI,
	})

	if fa != nil {
		rw.WriteHeader(faultStatus(fa.Kind))
		_ = json.NewEncoder(rw).Encode(apiError{Error: fa.Reason, Kind: faultLabel(fa.Kind), RequestID: fa.RequestID})
		entry.WithField("kind", faultLabel(fa.Kind)).Info(fa.Reason)

		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(body)
	entry.Info("request served")
}

// decode parses and validates a JSON request body.
func (f *Faucet) decode(r *http.Request, into interface{}) *Fault {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fault(FaultValidation, "invalid request body: %v", err)
	}

	if err := f.val.Struct(into); err != nil {
		return fault(FaultValidation, "invalid request: %v", err)
	}

	return nil
}

// homeHandler just replies a welcome message to the client.
func (f *Faucet) homeHandler(rw http.ResponseWriter, r *http.Request) {
	f.reply(rw, r, map[string]string{
		"message": "Hello, this is the " + f.conf.Network + " faucet!",
	}, nil)
}

// infoHandler replies the faucet's network, lightning node identity and current capacity usage.
func (f *Faucet) infoHandler(rw http.ResponseWriter, r *http.Request) {
	type kindInfo struct {
		Cap         uint64 `json:"cap"`
		Outstanding uint64 `json:"outstanding"`
	}

	f.reply(rw, r, struct {
		Network string              `json:"network"`
		Pubkey  string              `json:"pubkey"`
		Alias   string              `json:"alias,omitempty"`
		Kinds   map[string]kindInfo `json:"capacity"`
	}{
		Network: f.conf.Network,
		Pubkey:  f.nodeInfo.Pubkey,
		Alias:   f.nodeInfo.Alias,
		Kinds: map[string]kindInfo{
			string(ledger.Onchain): {
				Cap: f.conf.Caps.OnchainCap, Outstanding: f.led.Outstanding(ledger.Onchain),
			},
			string(ledger.LightningSend): {
				Cap: f.conf.Caps.LightningCap, Outstanding: f.led.Outstanding(ledger.LightningSend),
			},
			string(ledger.LightningRecv): {
				Cap: f.conf.Caps.ReceiveCap, Outstanding: f.led.Outstanding(ledger.LightningRecv),
			},
			string(ledger.ChannelSlot): {
				Cap: f.conf.Caps.ChannelSlots, Outstanding: f.led.Outstanding(ledger.ChannelSlot),
			},
		},
	}, nil)
}

// requestHandler replies the journal record of a still-pending request, or 404 once it has been settled.
func (f *Faucet) requestHandler(rw http.ResponseWriter, r *http.Request) {
	id, ok := mux.Vars(r)["id"]
	if !ok || f.db == nil {
		f.reply(rw, r, nil, fault(FaultValidation, "unknown request"))

		return
	}

	rec, err := f.db.GetReservation(id)
	if err != nil {
		if errors.Is(err, store.ErrDataNotFound) {
			rw.Header().Set("Content-Type", "application/json;charset=utf8")
			rw.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(rw).Encode(apiError{Error: "no pending request with that id", Kind: "not-found"})

			return
		}

		f.reply(rw, r, nil, fault(FaultInternal, "%v", err))

		return
	}

	f.reply(rw, r, rec, nil)
}

// onchainHandler sends sats to the given address on-chain and replies the transaction id.
func (f *Faucet) onchainHandler(rw http.ResponseWriter, r *http.Request) {
	var req onchainReq
	if fa := f.decode(r, &req); fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	res, fa := f.SendOnchain(origin(r), req.Sats, req.Address)
	if fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	f.reply(rw, r, struct {
		RequestID string `json:"request_id"`
		TxID      string `json:"tx_id"`
	}{res.RequestID, res.Outcome.TxID}, nil)
}

// lightningHandler pays the given bolt11 invoice and replies the payment hash.
func (f *Faucet) lightningHandler(rw http.ResponseWriter, r *http.Request) {
	var req lightningReq
	if fa := f.decode(r, &req); fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	res, fa := f.PayInvoice(origin(r), req.Bolt11)
	if fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	f.reply(rw, r, struct {
		RequestID   string `json:"request_id"`
		PaymentHash string `json:"payment_hash"`
	}{res.RequestID, res.Outcome.PaymentHash}, nil)
}

// bolt11Handler creates an invoice over the requested amount and replies it.
func (f *Faucet) bolt11Handler(rw http.ResponseWriter, r *http.Request) {
	var req bolt11Req
	if fa := f.decode(r, &req); fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	res, fa := f.CreateInvoice(origin(r), req.AmountSats)
	if fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	f.reply(rw, r, struct {
		RequestID string `json:"request_id"`
		Bolt11    string `json:"bolt11"`
	}{res.RequestID, res.Outcome.Invoice}, nil)
}

// channelHandler opens a channel to the requested node and replies the channel point.
func (f *Faucet) channelHandler(rw http.ResponseWriter, r *http.Request) {
	var req channelReq
	if fa := f.decode(r, &req); fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	res, fa := f.OpenChannel(origin(r), req.CapacitySats, req.PushSats, req.Pubkey, req.Host)
	if fa != nil {
		f.reply(rw, r, nil, fa)

		return
	}

	f.reply(rw, r, struct {
		RequestID    string `json:"request_id"`
		ChannelPoint string `json:"channel_point"`
	}{res.RequestID, res.Outcome.ChannelPoint}, nil)
}
