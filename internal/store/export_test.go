package store

import "context"

type (
	// MongoClient is the client surface used by the manager, exported for tests.
	MongoClient = mongoClient
)

// WithConnect overrides the function used to connect to the database.
func WithConnect(f func(ctx context.Context, uri string) (MongoClient, error)) Options {
	return func(o *options) {
		o.connect = f
	}
}
