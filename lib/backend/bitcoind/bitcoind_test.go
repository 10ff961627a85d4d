package bitcoind

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"faucetd/lib/backend/types"
)

const (
	testAddress = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	testTxid    = "2ba030485e79b5a98275b45d940e6fdd07b40dea593ef3b2a69b0a02a68a5872"
)

// rpcMock is a mock bitcoind JSON-RPC server. Results and errors are keyed by method; the last params of each
// method are kept for assertions.
type rpcMock struct {
	mu      sync.Mutex
	results map[string]interface{}
	errs    map[string]*btcjson.RPCError
	params  map[string][]json.RawMessage
}

func newRPCMock() *rpcMock {
	return &rpcMock{
		results: make(map[string]interface{}),
		errs:    make(map[string]*btcjson.RPCError),
		params:  make(map[string][]json.RawMessage),
	}
}

func (m *rpcMock) set(method string, result interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[method] = result
	delete(m.errs, method)
}

func (m *rpcMock) fail(method string, code btcjson.RPCErrorCode, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = &btcjson.RPCError{Code: code, Message: message}
	delete(m.results, method)
}

func (m *rpcMock) lastParams(method string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.params[method]
}

func (m *rpcMock) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     *json.RawMessage  `json:"id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	m.mu.Lock()
	m.params[req.Method] = req.Params
	result, okRes := m.results[req.Method]
	rpcErr := m.errs[req.Method]
	m.mu.Unlock()

	resp := struct {
		Result interface{}      `json:"result"`
		Error  interface{}      `json:"error"`
		ID     *json.RawMessage `json:"id"`
	}{ID: req.ID}

	switch {
	case rpcErr != nil:
		resp.Error = rpcErr
	case okRes:
		resp.Result = result
	default:
		resp.Error = &btcjson.RPCError{Code: btcjson.ErrRPCMethodNotFound.Code, Message: req.Method + " not mocked"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, m *rpcMock) *Bitcoind {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(m.handler))
	t.Cleanup(srv.Close)

	b, err := New(strings.TrimPrefix(srv.URL, "http://"), "user", "pass", "testnet")
	if err != nil {
		t.Fatalf("Error creating client:%v", err)
	}
	t.Cleanup(b.Close)

	return b
}

func ctx(t *testing.T) context.Context {
	t.Helper()

	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return c
}

func TestInfo(t *testing.T) {
	m := newRPCMock()
	// rpcclient detects the bitcoind version via getnetworkinfo before getblockchaininfo
	m.set("getnetworkinfo", map[string]interface{}{"version": 270000, "subversion": "/Satoshi:27.0.0/"})
	m.set("getblockchaininfo", map[string]interface{}{"chain": "test", "blocks": 100, "headers": 100,
		"bestblockhash": testTxid, "verificationprogress": 1.0})

	b := newTestClient(t, m)

	info, err := b.Info(ctx(t))
	if err != nil {
		t.Fatalf("Error getting info:%v", err)
	}
	if info.Network != "test" {
		t.Errorf("Network:%s expected:test", info.Network)
	}
}

func TestSendOnchain(t *testing.T) {
	m := newRPCMock()
	m.set("sendtoaddress", testTxid)

	b := newTestClient(t, m)

	out := b.SendOnchain(ctx(t), types.OnchainReq{Token: "res-123", Sats: 50_000, Address: testAddress})
	if out.Status != types.StatusSuccess {
		t.Fatalf("Outcome:%+v", out)
	}
	if out.TxID != testTxid {
		t.Errorf("TxID:%s expected:%s", out.TxID, testTxid)
	}

	// the idempotency token must travel in the transaction comment
	params := m.lastParams("sendtoaddress")
	if len(params) < 3 {
		t.Fatalf("sendtoaddress params:%v", params)
	}

	var comment string
	if err := json.Unmarshal(params[2], &comment); err != nil || comment != "res-123" {
		t.Errorf("Comment:%s expected:res-123 (err:%v)", comment, err)
	}
}

func TestSendOnchainRejected(t *testing.T) {
	m := newRPCMock()
	m.fail("sendtoaddress", btcjson.ErrRPCWallet, "Insufficient funds")

	b := newTestClient(t, m)

	out := b.SendOnchain(ctx(t), types.OnchainReq{Token: "res-123", Sats: 50_000, Address: testAddress})
	// an explicit RPC rejection means nothing was sent
	if out.Status != types.StatusFailure {
		t.Errorf("Outcome:%+v expected failure", out)
	}
	if !strings.Contains(out.Reason, "Insufficient funds") {
		t.Errorf("Reason:%s", out.Reason)
	}
}

func TestSendOnchainBadAddress(t *testing.T) {
	m := newRPCMock()
	b := newTestClient(t, m)

	// mainnet address against a testnet client fails before any RPC goes out
	out := b.SendOnchain(ctx(t), types.OnchainReq{
		Token: "res-123", Sats: 1000, Address: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
	})
	if out.Status != types.StatusFailure {
		t.Errorf("Outcome:%+v expected failure", out)
	}
	if m.lastParams("sendtoaddress") != nil {
		t.Error("sendtoaddress should not have been called")
	}
}

func TestLightningOpsNotSupported(t *testing.T) {
	m := newRPCMock()
	b := newTestClient(t, m)

	for name, out := range map[string]types.Outcome{
		"pay":     b.PayInvoice(ctx(t), types.PayReq{Bolt11: "lntb1..."}),
		"invoice": b.CreateInvoice(ctx(t), types.InvoiceReq{Sats: 1000}),
		"channel": b.OpenChannel(ctx(t), types.ChannelReq{CapacitySats: 100_000}),
	} {
		if out.Status != types.StatusFailure || out.Reason != types.ErrNotSupported.Error() {
			t.Errorf("[%s] Outcome:%+v", name, out)
		}
	}
}

func TestOperationStatus(t *testing.T) {
	m := newRPCMock()
	b := newTestClient(t, m)

	cases := []struct {
		name   string
		txs    []listTxResult
		token  string
		status types.Status
		txid   string
	}{
		{
			"token found",
			[]listTxResult{
				{TxID: "aa", Comment: "other", Category: "send"},
				{TxID: testTxid, Comment: "res-123", Category: "send"},
			},
			"res-123", types.StatusSuccess, testTxid,
		},
		{
			"receive with matching comment ignored",
			[]listTxResult{{TxID: "bb", Comment: "res-123", Category: "receive"}},
			"res-123", types.StatusFailure, "",
		},
		{
			"token absent",
			[]listTxResult{{TxID: "aa", Comment: "other", Category: "send"}},
			"res-123", types.StatusFailure, "",
		},
	}

	for _, c := range cases {
		m.set("listtransactions", c.txs)

		out := b.OperationStatus(ctx(t), types.StatusProbe{Token: c.token, Op: types.OpSend})
		if out.Status != c.status || out.TxID != c.txid {
			t.Errorf("[%s] Outcome:%+v", c.name, out)
		}
	}

	// probes for lightning operations belong to the other backend
	out := b.OperationStatus(ctx(t), types.StatusProbe{Token: "res-123", Op: types.OpPay})
	if out.Status != types.StatusFailure || out.Reason != types.ErrNotSupported.Error() {
		t.Errorf("Outcome:%+v", out)
	}
}

func TestOperationStatusProbeErrorAmbiguous(t *testing.T) {
	m := newRPCMock()
	m.fail("listtransactions", btcjson.ErrRPCInternal.Code, "wallet is busy")

	b := newTestClient(t, m)

	out := b.OperationStatus(ctx(t), types.StatusProbe{Token: "res-123", Op: types.OpSend})
	// a failed probe proves nothing either way
	if out.Status != types.StatusAmbiguous {
		t.Errorf("Outcome:%+v expected ambiguous", out)
	}
}
