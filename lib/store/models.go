package store

import "time"

// Reservation contains the fields of a journaled reservation saved to DB. It carries everything a status probe
// needs to resolve the operation after a restart.
type Reservation struct {
	ID           string    `json:"id" bson:"_id"`
	RequestID    string    `json:"request_id" bson:"request_id"`
	Kind         string    `json:"kind" bson:"kind"`
	Amount       uint64    `json:"amount" bson:"amount"`
	State        string    `json:"state" bson:"state"`
	Variant      string    `json:"variant" bson:"variant"`
	Token        string    `json:"token" bson:"token"`
	Address      string    `json:"address,omitempty" bson:"address,omitempty"`
	PaymentHash  string    `json:"payment_hash,omitempty" bson:"payment_hash,omitempty"`
	Pubkey       string    `json:"pubkey,omitempty" bson:"pubkey,omitempty"`
	CapacitySats uint64    `json:"capacity_sats,omitempty" bson:"capacity_sats,omitempty"`
	Result       string    `json:"result,omitempty" bson:"result,omitempty"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}
