// Package bitcoind implements the backend interface for the bitcoind wallet RPC. Only the on-chain operations are
// answered here; lightning operations belong to the lnd backend.
package bitcoind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"

	"faucetd/lib/backend/types"
)

// how many wallet transactions one reconciliation probe is willing to scan for its token
const probeScanDepth = 1000

// Bitcoind implements a connection to a bitcoind wallet over JSON-RPC in HTTP POST mode.
type Bitcoind struct {
	c      *rpcclient.Client
	params *chaincfg.Params
}

// New returns a client connection to the bitcoind RPC at url (host:port) using basic auth. The connection is lazy;
// Info is the first call that actually hits the daemon.
func New(url, user, pass, network string) (*Bitcoind, error) {
	params, err := types.ChainParams(network)
	if err != nil {
		return nil, err
	}

	c, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         url,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating bitcoind RPC client: %w", err)
	}

	return &Bitcoind{c: c, params: params}, nil
}

// Close ends the connection.
func (b *Bitcoind) Close() {
	b.c.Shutdown()
}

// Info returns the chain the daemon is on.
func (b *Bitcoind) Info(ctx context.Context) (types.NodeInfo, error) {
	var info types.NodeInfo

	res, err := await(ctx, func() (*btcjson.GetBlockChainInfoResult, error) {
		return b.c.GetBlockChainInfo()
	})
	if err != nil {
		return info, fmt.Errorf("bitcoind getblockchaininfo: %w", err)
	}

	info.Network = res.Chain

	return info, nil
}

// SendOnchain sends req.Sats to req.Address via sendtoaddress. The idempotency token travels in the transaction
// comment so a later probe can find the send in the wallet history.
func (b *Bitcoind) SendOnchain(ctx context.Context, req types.OnchainReq) types.Outcome {
	addr, err := btcutil.DecodeAddress(req.Address, b.params)
	if err != nil {
		return types.Failed("bitcoind: invalid address: " + err.Error())
	}

	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		txid, err := await(c, func() (string, error) {
			h, err := b.c.SendToAddressComment(addr, btcutil.Amount(req.Sats), req.Token, "")
			if err != nil {
				return "", err
			}

			return h.String(), nil
		})
		if err != nil {
			return types.Outcome{}, err
		}

		return types.Outcome{Status: types.StatusSuccess, TxID: txid}, nil
	}, b.classify)
}

// PayInvoice is not an on-chain operation.
func (b *Bitcoind) PayInvoice(ctx context.Context, req types.PayReq) types.Outcome {
	return types.Failed(types.ErrNotSupported.Error())
}

// CreateInvoice is not an on-chain operation.
func (b *Bitcoind) CreateInvoice(ctx context.Context, req types.InvoiceReq) types.Outcome {
	return types.Failed(types.ErrNotSupported.Error())
}

// OpenChannel is not an on-chain operation.
func (b *Bitcoind) OpenChannel(ctx context.Context, req types.ChannelReq) types.Outcome {
	return types.Failed(types.ErrNotSupported.Error())
}

// listTxResult is the slice of fields we care about from listtransactions. btcjson has no comment field, hence
// the raw request.
type listTxResult struct {
	TxID     string `json:"txid"`
	Comment  string `json:"comment"`
	Category string `json:"category"`
}

// OperationStatus scans the wallet history for a send carrying the probe token in its comment. A hit means the
// earlier call did execute; a completed scan without a hit means it did not.
func (b *Bitcoind) OperationStatus(ctx context.Context, probe types.StatusProbe) types.Outcome {
	if probe.Op != types.OpSend {
		return types.Failed(types.ErrNotSupported.Error())
	}

	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		txs, err := await(c, func() ([]listTxResult, error) {
			return b.listTransactions(probeScanDepth)
		})
		if err != nil {
			return types.Outcome{}, err
		}

		for _, tx := range txs {
			if tx.Category == "send" && tx.Comment == probe.Token {
				return types.Outcome{Status: types.StatusSuccess, TxID: tx.TxID}, nil
			}
		}

		return types.Failed("bitcoind: no wallet transaction for token " + probe.Token), nil
	}, b.probeClassify)
}

func (b *Bitcoind) listTransactions(count int) ([]listTxResult, error) {
	params := []json.RawMessage{
		json.RawMessage(`"*"`),
		json.RawMessage(fmt.Sprintf("%d", count)),
	}

	raw, err := b.c.RawRequest("listtransactions", params)
	if err != nil {
		return nil, err
	}

	var txs []listTxResult
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, fmt.Errorf("decoding listtransactions: %w", err)
	}

	return txs, nil
}

// classify maps bitcoind errors for mutating calls: an RPC-level rejection is a definite failure, everything else
// after the request may have gone out is ambiguous.
func (b *Bitcoind) classify(err error) types.Outcome {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return types.Failed("bitcoind: " + rpcErr.Message)
	}

	return types.Ambiguous("bitcoind: " + err.Error())
}

// probeClassify maps errors for the read-only status probe: nothing mutates, so everything stays ambiguous until
// a later pass gets a clean answer.
func (b *Bitcoind) probeClassify(err error) types.Outcome {
	return types.Ambiguous("bitcoind: " + err.Error())
}

// await runs a blocking rpcclient call in its own goroutine so the surrounding context deadline is honored; the
// rpcclient API itself predates context.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	ch := make(chan result, 1)

	go func() {
		v, err := call()
		ch <- result{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
