package mongox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

type DB struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and pings the primary before returning.
func Connect(ctx context.Context, uri, database string) (*DB, error) {
	if uri == "" || database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &DB{client: client, db: client.Database(database)}, nil
}

func (d *DB) Collection(name string) *mongo.Collection {
	return d.db.Collection(name)
}

func (d *DB) Close(ctx context.Context) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Disconnect(ctx)
}

func ReadyCheck(d *DB) func(context.Context) error {
	return func(ctx context.Context) error {
		if d == nil || d.client == nil {
			return errors.New("mongodb not configured")
		}
		return d.client.Ping(ctx, readpref.Primary())
	}
}
