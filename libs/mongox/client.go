package mongox

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client pairs a connected driver client with the database the service owns.
type Client struct {
	*mongo.Client
	DB *mongo.Database
}

func Open(ctx context.Context, uri, database string) (*Client, error) {
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetRetryWrites(true)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Client{Client: client, DB: client.Database(database)}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Disconnect(ctx)
}

func ReadyCheck(c *Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if c == nil || c.Client == nil {
			return errors.New("mongo not configured")
		}
		return c.Ping(ctx, readpref.Primary())
	}
}
