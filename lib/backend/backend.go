// Package backend defines the capability interface the dispatcher uses to talk to the external wallet daemons.
// The two daemons are structurally identical consumers of the same contract: issue one logical operation, report
// success, failure or an ambiguous outcome. Each implementation answers the operations its daemon owns and fails
// the rest with types.ErrNotSupported.
package backend

import (
	"context"
	"fmt"

	"faucetd/lib/backend/bitcoind"
	"faucetd/lib/backend/lnd"
	"faucetd/lib/backend/types"
	"faucetd/lib/config"
)

// NodeInfo is the identity a backend reports at startup and on /api/info.
type NodeInfo = types.NodeInfo

// Node is the capability interface of an external wallet daemon. Every call carries a caller-supplied idempotency
// token inside the request so a repeat against the same backend does not double-execute; OperationStatus finds a
// previously attempted operation by that token (or by the protocol's own key) and reports ground truth.
type Node interface {
	// Close ends the connection to the daemon.
	Close()

	// Info returns the daemon's identity and doubles as the startup sanity check.
	Info(ctx context.Context) (types.NodeInfo, error)

	SendOnchain(ctx context.Context, req types.OnchainReq) types.Outcome
	PayInvoice(ctx context.Context, req types.PayReq) types.Outcome
	CreateInvoice(ctx context.Context, req types.InvoiceReq) types.Outcome
	OpenChannel(ctx context.Context, req types.ChannelReq) types.Outcome

	// OperationStatus resolves an earlier, possibly unacknowledged operation to an outcome. Ambiguous means the
	// backend itself does not know yet (ie. an in-flight payment) and the caller should ask again later.
	OperationStatus(ctx context.Context, probe types.StatusProbe) types.Outcome
}

// compile-time checks that both daemons implement the capability interface
var (
	_ Node = (*bitcoind.Bitcoind)(nil)
	_ Node = (*lnd.LND)(nil)
)

// Init connects the chain and lightning clients read from the config and verifies both daemons answer an info
// call before the service starts taking requests.
func Init(ctx context.Context, conf config.ServiceConfig) (chain, ln Node, err error) {
	b, err := bitcoind.New(conf.Chain.URL, conf.Chain.User, conf.Chain.Pass, conf.Network)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to bitcoind: %w", err)
	}

	l, err := lnd.New(conf.Ln.TLSCertPath, conf.Ln.MacaroonPath, conf.Ln.Host, conf.Ln.Port)
	if err != nil {
		b.Close()

		return nil, nil, fmt.Errorf("connecting to lnd: %w", err)
	}

	if _, err = b.Info(ctx); err != nil {
		b.Close()
		l.Close()

		return nil, nil, fmt.Errorf("bitcoind not answering: %w", err)
	}

	info, err := l.Info(ctx)
	if err != nil {
		b.Close()
		l.Close()

		return nil, nil, fmt.Errorf("lnd not answering: %w", err)
	}

	if info.Network != "" && info.Network != conf.Network {
		b.Close()
		l.Close()

		return nil, nil, fmt.Errorf("lnd is on network %s, config says %s", info.Network, conf.Network)
	}

	return b, l, nil
}

// End closes gracefully all the backend clients opened.
func End(nodes ...Node) {
	for _, n := range nodes {
		if n != nil {
			n.Close()
		}
	}
}
