// Package mongo connects to the MongoDB deployment behind the mongo realtime
// transport and prepares the collections it relies on.
package mongo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client wraps the MongoDB client with the database the transport watches
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect establishes a connection to MongoDB and verifies it with a ping.
// Change streams need a replica set, so the URI usually carries replicaSet=.
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	if uri == "" {
		return nil, errors.New("mongo: URI is required")
	}
	if database == "" {
		return nil, errors.New("mongo: database is required")
	}

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetMaxConnIdleTime(5 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("Connected to MongoDB", "database", database)

	return &Client{
		client:   client,
		database: client.Database(database),
	}, nil
}

// Raw returns the driver client
func (c *Client) Raw() *mongo.Client {
	return c.client
}

// Database returns the watched database
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Ping checks if the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the MongoDB connection
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
