package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoOptions parameterise the notification store.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoNotifier stores every notification as a document so users can list
// their history.
type MongoNotifier struct {
	client *mongo.Client
	col    *mongo.Collection
	logger zerolog.Logger
}

// NewMongoNotifier connects to MongoDB and verifies the connection.
func NewMongoNotifier(ctx context.Context, opts MongoOptions, logger zerolog.Logger) (*MongoNotifier, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.Database == "" {
		opts.Database = "chainwatch"
	}
	if opts.Collection == "" {
		opts.Collection = "notifications"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	col := client.Database(opts.Database).Collection(opts.Collection)
	_, err = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create notification index failed")
	}

	return &MongoNotifier{
		client: client,
		col:    col,
		logger: logger.With().Str("component", "alert_mongo").Logger(),
	}, nil
}

// Notify inserts the notification document.
func (m *MongoNotifier) Notify(ctx context.Context, note Notification) error {
	if _, err := m.col.InsertOne(ctx, note); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	m.logger.Debug().Str("id", note.ID).Str("user_id", note.UserID).Msg("notification stored")
	return nil
}

// Recent returns the newest notifications for userID.
func (m *MongoNotifier) Recent(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.col.Find(ctx, bson.M{"user_id": userID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	defer cur.Close(ctx)

	var notes []Notification
	if err := cur.All(ctx, &notes); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return notes, nil
}

// Close disconnects from MongoDB.
func (m *MongoNotifier) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var _ Notifier = (*MongoNotifier)(nil)
