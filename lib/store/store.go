// Package store defines the interface for database implementations holding the faucet's reservation journal.
package store

import (
	"errors"
)

// DB defines required methods for journaling reservations
type DB interface {
	// SaveReservation inserts or updates the journal record for a reservation.
	SaveReservation(Reservation) error
	// GetReservation returns the journal record with the given id.
	GetReservation(id string) (Reservation, error)
	// PendingReservations returns all records still in the held state.
	PendingReservations() ([]Reservation, error)
	// DeleteReservation removes a resolved record from the journal.
	DeleteReservation(id string) error
}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
)
