package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/harmony-realtime/internal/logger"
)

// MessageCollectionName is the collection holding chat messages.
const MessageCollectionName = "messages"

// MongoConfig configures MongoStore.
type MongoConfig struct {
	URI              string
	Database         string
	AppName          string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	MinPoolSize      uint64
	MaxPoolSize      uint64
}

// MongoStore persists messages in MongoDB.
type MongoStore struct {
	client           *mongo.Client
	messages         *mongo.Collection
	operationTimeout time.Duration
	now              func() time.Time
}

type messageDocument struct {
	ID        string    `bson:"_id"`
	ChannelID string    `bson:"channel_id"`
	UserID    string    `bson:"user_id"`
	Username  string    `bson:"username"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
}

// OpenMongoStore connects, pings and prepares the message collection.
func OpenMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	logger.Debug("Connecting to database", "database", cfg.Database)

	clientOptions := options.Client().ApplyURI(cfg.URI).SetAppName(cfg.AppName)
	clientOptions.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.Debug("Database connection created", "address", evt.Address)
			case event.ConnectionClosed:
				logger.Debug("Database connection closed", "address", evt.Address, "reason", evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, errors.Annotate(err, "connect to database")
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Annotate(err, "ping database")
	}

	messages := client.Database(cfg.Database).Collection(MessageCollectionName)
	_, err = messages.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("messages_channel_created_at"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Annotate(err, "create message index")
	}

	logger.Info("Database connected", "database", cfg.Database)
	return &MongoStore{
		client:           client,
		messages:         messages,
		operationTimeout: cfg.OperationTimeout,
		now:              time.Now,
	}, nil
}

func (s *MongoStore) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	msg, err := msg.Validate()
	if err != nil {
		return Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	// BSON dates carry millisecond precision.
	record := newRecord(msg, s.now().Truncate(time.Millisecond))
	if _, err := s.messages.InsertOne(ctx, toDocument(record)); err != nil {
		return Message{}, errors.Annotate(err, "insert message")
	}
	return record, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, channelID uuid.UUID, limit int, before uuid.UUID) ([]Message, error) {
	limit = ClampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	filter := bson.M{"channel_id": channelID.String()}
	if before != uuid.Nil {
		var cursor messageDocument
		err := s.messages.FindOne(ctx, bson.M{"_id": before.String(), "channel_id": channelID.String()}).Decode(&cursor)
		if errors.Cause(err) == mongo.ErrNoDocuments {
			return nil, errors.Annotatef(ErrNotFound, "message %s", before)
		}
		if err != nil {
			return nil, errors.Annotate(err, "find cursor message")
		}
		filter["created_at"] = bson.M{"$lt": cursor.CreatedAt}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Annotate(err, "find messages")
	}

	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Annotate(err, "decode messages")
	}

	result := make([]Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	logger.Info("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDocument(m Message) messageDocument {
	return messageDocument{
		ID:        m.ID.String(),
		ChannelID: m.ChannelID.String(),
		UserID:    m.UserID.String(),
		Username:  m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func fromDocument(doc messageDocument) (Message, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return Message{}, errors.Annotatef(err, "message id %q", doc.ID)
	}
	channelID, err := uuid.Parse(doc.ChannelID)
	if err != nil {
		return Message{}, errors.Annotatef(err, "channel id %q", doc.ChannelID)
	}
	userID, err := uuid.Parse(doc.UserID)
	if err != nil {
		return Message{}, errors.Annotatef(err, "user id %q", doc.UserID)
	}
	return Message{
		ID:        id,
		ChannelID: channelID,
		UserID:    userID,
		Username:  doc.Username,
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}
