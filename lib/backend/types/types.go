// Package types defines the outcome model and request payloads shared by all backend node implementations.
package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cenkalti/backoff/v4"
)

// Errors returned.
var (
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// ChainParams maps a configured network name to its chain parameters. testnet4 shares testnet3's address
// encoding, so it maps onto the same params.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet4":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf("unknown network %q", network)
}

// NodeInfo is the identity a daemon reports: the network it runs on and, for the lightning node, its pubkey and
// alias so clients can open channels back to the faucet.
type NodeInfo struct {
	Network string `json:"network"`
	Pubkey  string `json:"pubkey,omitempty"`
	Alias   string `json:"alias,omitempty"`
}

// Op identifies the backend operation a probe refers to.
type Op int

const (
	OpSend Op = iota
	OpPay
	OpInvoice
	OpChannel
)

// Status tags a backend outcome. StatusAmbiguous means the call's effect is unknown, for example a timeout after
// the request was sent; it must never be folded into success or failure without asking the backend.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusAmbiguous
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusAmbiguous:
		return "ambiguous"
	}

	return "unknown"
}

// Outcome is the tagged result of a single logical backend operation. Exactly one of the payload fields is set on
// success, depending on the operation; Reason carries the backend's own words on failure or ambiguity.
type Outcome struct {
	Status       Status `json:"status"`
	TxID         string `json:"tx_id,omitempty"`
	PaymentHash  string `json:"payment_hash,omitempty"`
	Invoice      string `json:"invoice,omitempty"`
	ChannelPoint string `json:"channel_point,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Failed returns a failure outcome with the given reason.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailure, Reason: reason}
}

// Ambiguous returns an ambiguous outcome with the given reason.
func Ambiguous(reason string) Outcome {
	return Outcome{Status: StatusAmbiguous, Reason: reason}
}

// OnchainReq asks the chain node to send Sats to Address. Token is the idempotency token recorded with the wallet
// transaction so a retry or a reconciliation pass can find it again.
type OnchainReq struct {
	Token   string
	Sats    uint64
	Address string
}

// PayReq asks the lightning node to settle a bolt11 invoice. PaymentHash and Sats are pre-decoded from the invoice
// by the caller; the hash is the natural idempotency key for a payment.
type PayReq struct {
	Token       string
	Bolt11      string
	PaymentHash string
	Sats        uint64
}

// InvoiceReq asks the lightning node for a new invoice over Sats.
type InvoiceReq struct {
	Token string
	Sats  uint64
}

// ChannelReq asks the lightning node to open a channel to Pubkey with the given capacity, pushing PushSats to the
// peer. Host, when set, is dialed before the open.
type ChannelReq struct {
	Token        string
	CapacitySats uint64
	PushSats     uint64
	Pubkey       string
	Host         string
}

// StatusProbe identifies a previously attempted operation for reconciliation. The fields beyond Token carry
// whatever the owning backend needs to find the operation again.
type StatusProbe struct {
	Token        string
	Op           Op
	PaymentHash  string
	Pubkey       string
	CapacitySats uint64
}

// Retryable reports whether err happened before the request could have reached the backend, so a blind retry
// cannot double-execute anything. Only connection-establishment failures qualify; everything else must go through
// the idempotency path.
func Retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}

// Do invokes attempt under the caller's context, which is expected to carry the per-variant call deadline.
// Errors classified Retryable are retried with exponential backoff until the deadline and, if the backend was
// never reached, reported as a plain failure. Any other error is passed to classify, which maps it onto a failure
// or ambiguous outcome for its protocol.
func Do(ctx context.Context, attempt func(context.Context) (Outcome, error),
	classify func(error) Outcome) Outcome {

	var out Outcome
	var lastDial error // last dial-time error, kept because Retry reports ctx.Err() when the deadline cuts the loop

	op := func() error {
		var err error
		if out, err = attempt(ctx); err != nil {
			if Retryable(err) {
				lastDial = err

				return err
			}

			return backoff.Permanent(err)
		}

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		if Retryable(err) {
			// every attempt died at dial time; nothing reached the backend
			return Failed("backend unreachable: " + err.Error())
		}

		if lastDial != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			// the deadline expired while redialing; still nothing reached the backend
			return Failed("backend unreachable: " + lastDial.Error())
		}

		return classify(err)
	}

	return out
}
