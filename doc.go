// Package faucetd and its sub-packages implement a faucet service handing out signet or testnet coins over
// bitcoin and lightning.
/*
faucetd provides one service (package faucet) that exposes an HTTP RESTful API for user requests: on-chain sends,
lightning invoice payments, invoice creation and inbound channel opens. The service fronts two backend daemons,
a bitcoind wallet over JSON-RPC and an lnd node over gRPC.

Architecture

Every request passes through the same pipeline before a backend is invoked: the request is validated, charged
against per-client sliding-window rate limits (package lib/ratelimit) and then claims capacity from a shared
resource ledger (package lib/ledger). The ledger tracks on-chain sats, outbound and inbound lightning liquidity
and channel slots, and refuses reservations that would overcommit any of them, so concurrent requests cannot
spend the same capacity twice.

Backend calls carry the reservation id as an idempotency token. When a call ends without a definite answer, say
a timeout after the request may have reached the daemon, the reservation stays held and a background reconciler
asks the backend for ground truth later: a confirmed operation commits the reservation, a confirmed absence
releases it. Held reservations are journaled to a database (package lib/store) so a restart restores them; the
database layer provides a product agnostic interface with MongoDB and PostgreSQL implementations.

Terminal outcomes can be published to a message broker (package lib/msg) for downstream consumers. The broker is
implemented as a product agnostic layer and configured via a JSON config file at service startup, as are the
backend connections, capacity caps and rate limits (package lib/config).

The service can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Faucet

The faucet service (package faucet) can be started running cmd/faucetd/main.go. Besides the dispense endpoints,
the API replies the faucet's lightning node identity and current capacity usage, and the status of requests
whose outcome is still being reconciled.

*/
package faucetd
