// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"faucetd/lib/store"
)

const (
	database   = "faucet"
	collection = "reservations"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// SaveReservation upserts the journal record keyed by reservation id.
func (m *Mongo) SaveReservation(r store.Reservation) error {
	col := m.c.Database(database).Collection(collection)

	_, err := col.UpdateOne(context.Background(),
		bson.M{"_id": r.ID}, // filter
		bson.M{"$set": r},   // update
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not save reservation in db: %w", err)
	}

	return nil
}

// GetReservation returns the journal record with the given id.
func (m *Mongo) GetReservation(id string) (r store.Reservation, err error) {
	sr := m.c.Database(database).Collection(collection).FindOne(context.Background(), bson.M{"_id": id})
	if err = sr.Decode(&r); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}

// PendingReservations returns all journal records still held.
func (m *Mongo) PendingReservations() ([]store.Reservation, error) {
	docs, err := m.c.Database(database).Collection(collection).Find(context.Background(), bson.M{"state": "held"})
	if err != nil {
		return nil, fmt.Errorf("error getting pending reservations: %w", err)
	}

	rs := []store.Reservation{}

	for docs.Next(context.Background()) {
		var r store.Reservation
		if err = bson.Unmarshal(docs.Current, &r); err == nil {
			rs = append(rs, r)
		}
	}

	return rs, nil
}

// DeleteReservation removes the journal record with the given id.
func (m *Mongo) DeleteReservation(id string) error {
	res, err := m.c.Database(database).Collection(collection).DeleteOne(context.Background(), bson.M{"_id": id})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrDataNotFound
	}

	return err
}
