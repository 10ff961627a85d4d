// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"faucetd/lib/store"
)

const schema = `CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount BIGINT NOT NULL,
	state TEXT NOT NULL,
	variant TEXT NOT NULL,
	token TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	payment_hash TEXT NOT NULL DEFAULT '',
	pubkey TEXT NOT NULL DEFAULT '',
	capacity_sats BIGINT NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection'.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("cannot create reservations table: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// SaveReservation upserts the journal record keyed by reservation id.
func (p *Postgres) SaveReservation(r store.Reservation) error {
	_, err := p.db.Exec(`INSERT INTO reservations
		(id, request_id, kind, amount, state, variant, token, address, payment_hash, pubkey, capacity_sats, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET state = $5, result = $12, updated_at = $14`,
		r.ID, r.RequestID, r.Kind, r.Amount, r.State, r.Variant, r.Token,
		r.Address, r.PaymentHash, r.Pubkey, r.CapacitySats, r.Result, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not save reservation in db: %w", err)
	}

	return nil
}

// GetReservation returns the journal record with the given id.
func (p *Postgres) GetReservation(id string) (r store.Reservation, err error) {
	err = p.scan(p.db.QueryRow(`SELECT id, request_id, kind, amount, state, variant, token, address,
		payment_hash, pubkey, capacity_sats, result, created_at, updated_at
		FROM reservations WHERE id = $1`, id), &r)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrDataNotFound
	}

	return
}

// PendingReservations returns all journal records still held.
func (p *Postgres) PendingReservations() ([]store.Reservation, error) {
	rows, err := p.db.Query(`SELECT id, request_id, kind, amount, state, variant, token, address,
		payment_hash, pubkey, capacity_sats, result, created_at, updated_at
		FROM reservations WHERE state = 'held'`)
	if err != nil {
		return nil, fmt.Errorf("error getting pending reservations: %w", err)
	}
	defer rows.Close()

	rs := []store.Reservation{}

	for rows.Next() {
		var r store.Reservation
		if err = p.scan(rows, &r); err != nil {
			return nil, fmt.Errorf("error scanning reservation: %w", err)
		}

		rs = append(rs, r)
	}

	return rs, rows.Err()
}

// DeleteReservation removes the journal record with the given id.
func (p *Postgres) DeleteReservation(id string) error {
	res, err := p.db.Exec(`DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrDataNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *Postgres) scan(s scanner, r *store.Reservation) error {
	return s.Scan(&r.ID, &r.RequestID, &r.Kind, &r.Amount, &r.State, &r.Variant, &r.Token,
		&r.Address, &r.PaymentHash, &r.Pubkey, &r.CapacitySats, &r.Result, &r.CreatedAt, &r.UpdatedAt)
}
