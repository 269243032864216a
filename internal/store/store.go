// Package store provides the MongoDB connection and the write operations used by the gateway.
// It handles the connection to a MongoDB database and exposes insert-one and unordered
// bulk-write operations against named collections.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	// ErrUnavailable is returned when the store could not be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrBulkWrite is returned when the database rejected some operations
	// of a bulk write that it otherwise executed.
	ErrBulkWrite = errors.New("bulk write failed")
)

// Config holds the configuration for connecting to the MongoDB database.
type Config struct {
	URI      string
	Database string
}

type mongoClient interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
	Database(name string, opts ...*mongoopts.DatabaseOptions) *mongo.Database
}

// Manager manages the MongoDB client connection.
type Manager struct {
	client mongoClient
	dbName string
}

type options struct {
	connect func(ctx context.Context, uri string) (mongoClient, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a store manager connected using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		connect: func(ctx context.Context, uri string) (mongoClient, error) {
			return mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	client, err := opts.connect(ctx, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create client: %v", ErrUnavailable, err)
	}

	slog.Debug("Testing store connection", "uri", cfg.URI, "database", cfg.Database)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: unable to ping database: %v", ErrUnavailable, err)
	}

	slog.Info("Successfully pinged MongoDB database", "database", cfg.Database)
	return &Manager{client: client, dbName: cfg.Database}, nil
}

// Ping verifies that the store is still reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("%w: store not initialized", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Collection returns a handle on the named collection of the configured database.
func (m *Manager) Collection(name string) *Collection {
	return &Collection{coll: m.client.Database(m.dbName).Collection(name), name: name}
}

// Close closes the store connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (m *Manager) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("closing store connection: %v", err)
	}
	m.client = nil
	return nil
}

// BulkResult aggregates the outcome counts of one bulk write.
type BulkResult struct {
	Inserted int64
	Upserted int64
	Matched  int64
	Modified int64
}

// Collection exposes the write operations the gateway performs against one collection.
type Collection struct {
	coll *mongo.Collection
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// InsertOne writes a single document.
func (c *Collection) InsertOne(ctx context.Context, doc any) error {
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert into %s: %w", c.name, err)
	}
	return nil
}

// BulkWrite applies the given write models as one unordered bulk operation.
// One failing operation does not prevent the remaining operations of the same
// batch from being applied. On error, the returned counts reflect whatever the
// database reports as having completed.
func (c *Collection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (BulkResult, error) {
	res, err := c.coll.BulkWrite(ctx, models, mongoopts.BulkWrite().SetOrdered(false))

	var counts BulkResult
	if res != nil {
		counts = BulkResult{
			Inserted: res.InsertedCount,
			Upserted: res.UpsertedCount,
			Matched:  res.MatchedCount,
			Modified: res.ModifiedCount,
		}
	}
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			return counts, fmt.Errorf("%w: %d operations rejected by %s", ErrBulkWrite, len(bwe.WriteErrors), c.name)
		}
		return counts, fmt.Errorf("%w: bulk write into %s: %v", ErrUnavailable, c.name, err)
	}
	return counts, nil
}

// MigrateURL is a helper method that returns the connection URL used by the
// migration tooling, which requires the database name in the URL path.
//
// Security warning: the returned string may include credentials.
func (c Config) MigrateURL() (string, error) {
	u, err := url.Parse(c.URI)
	if err != nil {
		return "", fmt.Errorf("invalid store URI: %v", err)
	}

	u.Path = "/" + c.Database
	return u.String(), nil
}
