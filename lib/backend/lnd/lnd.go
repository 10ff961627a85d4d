// Package lnd implements the backend interface for an lnd node over gRPC with macaroon authentication. It owns
// the lightning operations: paying invoices, creating invoices and opening channels.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"faucetd/lib/backend/types"
)

// MacaroonCredential implements the credentials.PerRPCCredentials interface
type MacaroonCredential struct {
	MacaroonHex string
}

func (m *MacaroonCredential) GetRequestMetadata(ctx context.Context,
	uri ...string) (map[string]string, error) {

	return map[string]string{
		"macaroon": m.MacaroonHex,
	}, nil
}

func (m *MacaroonCredential) RequireTransportSecurity() bool {
	return true
}

// probeInvoiceDepth bounds how far back an invoice status probe looks.
const probeInvoiceDepth = 1000

// LND implements a connection to an lnd node.
type LND struct {
	conn   *grpc.ClientConn
	client lnrpc.LightningClient
}

// New returns an LND client for the gRPC endpoint at host:port, authenticated with the TLS certificate and
// macaroon at the given paths.
func New(tlsCertPath, macaroonPath, host string, port int) (*LND, error) {
	tlsCert, err := credentials.NewClientTLSFromFile(tlsCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("reading TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("reading macaroon: %w", err)
	}

	conn, err := grpc.NewClient(
		fmt.Sprintf("%s:%d", host, port),
		grpc.WithTransportCredentials(tlsCert),
		grpc.WithPerRPCCredentials(&MacaroonCredential{
			MacaroonHex: hex.EncodeToString(macBytes),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC channel to lnd: %w", err)
	}

	return &LND{
		conn:   conn,
		client: lnrpc.NewLightningClient(conn),
	}, nil
}

// Close ends the connection to the node.
func (l *LND) Close() {
	_ = l.conn.Close()
}

// Info returns the node identity: pubkey, alias and the network of its first chain.
func (l *LND) Info(ctx context.Context) (types.NodeInfo, error) {
	info, err := l.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return types.NodeInfo{}, fmt.Errorf("lnd getting node info: %w", err)
	}

	if len(info.Chains) == 0 {
		return types.NodeInfo{}, fmt.Errorf("lnd no chain info available")
	}

	return types.NodeInfo{
		Network: info.Chains[0].Network,
		Pubkey:  info.IdentityPubkey,
		Alias:   info.Alias,
	}, nil
}

// SendOnchain is not a lightning operation.
func (l *LND) SendOnchain(ctx context.Context, req types.OnchainReq) types.Outcome {
	return types.Failed(types.ErrNotSupported.Error())
}

// PayInvoice settles the bolt11 invoice. The payment hash inside the invoice is the idempotency key: lnd refuses
// to pay the same hash twice, and OperationStatus finds the attempt by it.
func (l *LND) PayInvoice(ctx context.Context, req types.PayReq) types.Outcome {
	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		resp, err := l.client.SendPaymentSync(c, &lnrpc.SendRequest{
			PaymentRequest: req.Bolt11,
		})
		if err != nil {
			return types.Outcome{}, err
		}

		if resp.PaymentError != "" {
			return types.Failed("lnd payment error: " + resp.PaymentError), nil
		}

		return types.Outcome{
			Status:      types.StatusSuccess,
			PaymentHash: hex.EncodeToString(resp.PaymentHash),
		}, nil
	}, l.classify)
}

// CreateInvoice asks the node for a new invoice over req.Sats, stamping the idempotency token into the memo.
func (l *LND) CreateInvoice(ctx context.Context, req types.InvoiceReq) types.Outcome {
	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		resp, err := l.client.AddInvoice(c, &lnrpc.Invoice{
			Value: int64(req.Sats),
			Memo:  "faucet " + req.Token,
		})
		if err != nil {
			return types.Outcome{}, err
		}

		return types.Outcome{Status: types.StatusSuccess, Invoice: resp.PaymentRequest}, nil
	}, l.classify)
}

// OpenChannel connects to the peer when a host is given, then opens the channel synchronously. Peer connection
// failures are ignored on purpose: the peer may already be connected, and the open itself reports anything fatal.
func (l *LND) OpenChannel(ctx context.Context, req types.ChannelReq) types.Outcome {
	pubkey, err := hex.DecodeString(req.Pubkey)
	if err != nil {
		return types.Failed("lnd: invalid pubkey: " + err.Error())
	}

	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		if req.Host != "" {
			_, _ = l.client.ConnectPeer(c, &lnrpc.ConnectPeerRequest{
				Addr: &lnrpc.LightningAddress{
					Pubkey: req.Pubkey,
					Host:   req.Host,
				},
			})
		}

		cp, err := l.client.OpenChannelSync(c, &lnrpc.OpenChannelRequest{
			NodePubkey:         pubkey,
			LocalFundingAmount: int64(req.CapacitySats),
			PushSat:            int64(req.PushSats),
		})
		if err != nil {
			return types.Outcome{}, err
		}

		point, err := channelPoint(cp)
		if err != nil {
			return types.Outcome{}, err
		}

		return types.Outcome{Status: types.StatusSuccess, ChannelPoint: point}, nil
	}, l.classify)
}

// OperationStatus resolves an earlier lightning operation: payments by their hash across the payment list,
// channel opens by peer and capacity across open and pending channels.
func (l *LND) OperationStatus(ctx context.Context, probe types.StatusProbe) types.Outcome {
	switch probe.Op {
	case types.OpPay:
		return l.paymentStatus(ctx, probe)
	case types.OpInvoice:
		return l.invoiceStatus(ctx, probe)
	case types.OpChannel:
		return l.channelStatus(ctx, probe)
	}

	return types.Failed(types.ErrNotSupported.Error())
}

func (l *LND) paymentStatus(ctx context.Context, probe types.StatusProbe) types.Outcome {
	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		resp, err := l.client.ListPayments(c, &lnrpc.ListPaymentsRequest{
			IncludeIncomplete: true,
		})
		if err != nil {
			return types.Outcome{}, err
		}

		for _, p := range resp.Payments {
			if p.PaymentHash != probe.PaymentHash {
				continue
			}

			switch p.Status {
			case lnrpc.Payment_SUCCEEDED:
				return types.Outcome{Status: types.StatusSuccess, PaymentHash: p.PaymentHash}, nil
			case lnrpc.Payment_FAILED:
				return types.Failed("lnd payment failed: " + p.FailureReason.String()), nil
			default:
				return types.Ambiguous("lnd payment still in flight"), nil
			}
		}

		// the node never saw the hash, so the payment was never attempted
		return types.Failed("lnd: no payment for hash " + probe.PaymentHash), nil
	}, l.probeClassify)
}

func (l *LND) invoiceStatus(ctx context.Context, probe types.StatusProbe) types.Outcome {
	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		resp, err := l.client.ListInvoices(c, &lnrpc.ListInvoiceRequest{
			NumMaxInvoices: probeInvoiceDepth,
			Reversed:       true,
		})
		if err != nil {
			return types.Outcome{}, err
		}

		for _, inv := range resp.Invoices {
			if inv.Memo == "faucet "+probe.Token {
				return types.Outcome{Status: types.StatusSuccess, Invoice: inv.PaymentRequest}, nil
			}
		}

		return types.Failed("lnd: no invoice for token " + probe.Token), nil
	}, l.probeClassify)
}

func (l *LND) channelStatus(ctx context.Context, probe types.StatusProbe) types.Outcome {
	pubkey, err := hex.DecodeString(probe.Pubkey)
	if err != nil {
		return types.Failed("lnd: invalid pubkey: " + err.Error())
	}

	return types.Do(ctx, func(c context.Context) (types.Outcome, error) {
		open, err := l.client.ListChannels(c, &lnrpc.ListChannelsRequest{Peer: pubkey})
		if err != nil {
			return types.Outcome{}, err
		}

		for _, ch := range open.Channels {
			if ch.Capacity == int64(probe.CapacitySats) {
				return types.Outcome{Status: types.StatusSuccess, ChannelPoint: ch.ChannelPoint}, nil
			}
		}

		pending, err := l.client.PendingChannels(c, &lnrpc.PendingChannelsRequest{})
		if err != nil {
			return types.Outcome{}, err
		}

		for _, pc := range pending.PendingOpenChannels {
			if pc.Channel == nil {
				continue
			}
			// a pending open already broadcast its funding transaction; the capacity is spoken for
			if pc.Channel.RemoteNodePub == probe.Pubkey && pc.Channel.Capacity == int64(probe.CapacitySats) {
				return types.Outcome{Status: types.StatusSuccess, ChannelPoint: pc.Channel.ChannelPoint}, nil
			}
		}

		return types.Failed("lnd: no channel to " + probe.Pubkey), nil
	}, l.probeClassify)
}

// classify maps gRPC errors for mutating calls. Once a request may have reached the node, only an explicit
// application-level rejection is a definite failure; transport trouble stays ambiguous.
func (l *LND) classify(err error) types.Outcome {
	st, ok := status.FromError(err)
	if !ok {
		return types.Ambiguous("lnd: " + err.Error())
	}

	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled, codes.Unavailable:
		return types.Ambiguous("lnd: " + st.Message())
	default:
		return types.Failed("lnd: " + st.Message())
	}
}

// probeClassify keeps status-probe errors ambiguous; the probe mutates nothing and a later pass will try again.
func (l *LND) probeClassify(err error) types.Outcome {
	return types.Ambiguous("lnd: " + err.Error())
}

// channelPoint renders an lnrpc ChannelPoint as txid:index, whatever form the funding txid arrived in.
func channelPoint(cp *lnrpc.ChannelPoint) (string, error) {
	if txid := cp.GetFundingTxidStr(); txid != "" {
		return fmt.Sprintf("%s:%d", txid, cp.OutputIndex), nil
	}

	if b := cp.GetFundingTxidBytes(); len(b) > 0 {
		hash, err := chainhash.NewHash(b)
		if err != nil {
			return "", fmt.Errorf("decoding funding txid: %w", err)
		}

		return fmt.Sprintf("%s:%d", hash.String(), cp.OutputIndex), nil
	}

	return "", fmt.Errorf("channel point without funding txid")
}
