package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"faucetd/lib/store"
)

var uri string = "mongodb://localhost:27017"

// newTestMongo connects to the local test database, skipping the test when none is reachable.
func newTestMongo(t *testing.T) *Mongo {
	t.Helper()

	m, err := New(uri)
	if err != nil {
		t.Skipf("mongo not available at %s: %v", uri, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err = m.c.Ping(ctx, nil); err != nil {
		t.Skipf("mongo not available at %s: %v", uri, err)
	}

	t.Cleanup(func() { _ = m.CloseMongo() })

	return m
}

func TestReservationRoundtrip(t *testing.T) {
	m := newTestMongo(t)

	r := store.Reservation{
		ID:        "test-res-1",
		RequestID: "test-req-1",
		Kind:      "onchain",
		Amount:    50_000,
		State:     "held",
		Variant:   "onchain",
		Token:     "test-res-1",
		Address:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := m.SaveReservation(r); err != nil {
		t.Fatalf("SaveReservation - err:%v", err)
	}

	got, err := m.GetReservation(r.ID)
	if err != nil {
		t.Fatalf("GetReservation - err:%v", err)
	}
	if got.Kind != r.Kind || got.Amount != r.Amount || got.Address != r.Address {
		t.Errorf("GetReservation:%+v expected:%+v", got, r)
	}

	pending, err := m.PendingReservations()
	if err != nil {
		t.Fatalf("PendingReservations - err:%v", err)
	}

	found := false
	for _, p := range pending {
		if p.ID == r.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("PendingReservations is missing %s:%+v", r.ID, pending)
	}

	// saving again with a terminal state removes it from the pending set
	r.State = "committed"
	if err = m.SaveReservation(r); err != nil {
		t.Fatalf("SaveReservation - err:%v", err)
	}

	if pending, err = m.PendingReservations(); err != nil {
		t.Fatalf("PendingReservations - err:%v", err)
	}
	for _, p := range pending {
		if p.ID == r.ID {
			t.Errorf("Committed reservation still pending:%+v", p)
		}
	}

	if err = m.DeleteReservation(r.ID); err != nil {
		t.Errorf("DeleteReservation - err:%v", err)
	}
	if _, err = m.GetReservation(r.ID); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("GetReservation after delete - err:%v expected:%v", err, store.ErrDataNotFound)
	}
	if err = m.DeleteReservation(r.ID); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("DeleteReservation twice - err:%v expected:%v", err, store.ErrDataNotFound)
	}
}
