// Package msg defines the interface for different message brokers.
//
package msg

import "time"

// FaucetEvent defines the message the faucet publishes for every terminal dispatch outcome.
type FaucetEvent struct {
	RequestID string    `json:"request_id"`
	Variant   string    `json:"variant"`
	Outcome   string    `json:"outcome"`
	Sats      uint64    `json:"sats"`
	Reference string    `json:"reference,omitempty"` // txid, payment hash or channel point
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	SendEvent(net string, e FaucetEvent) error
}
