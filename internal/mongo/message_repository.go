package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tejzpr/vetlink/internal/db"
)

const (
	messageCollection = "messages"
	counterCollection = "chat_counters"
)

type counter struct {
	ID         string    `bson:"_id"`
	Seq        int64     `bson:"seq"`
	LastSentAt time.Time `bson:"last_sent_at"`
}

// MessageRepository stores chat history in MongoDB. Status checks are left
// to the caller; the consultation record stays in the relational store.
type MessageRepository struct {
	DB *mongo.Database
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(d *mongo.Database) *MessageRepository {
	return &MessageRepository{DB: d}
}

// EnsureIndexes creates the unique (consultation_id, seq) index.
func (r *MessageRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.DB.Collection(messageCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "consultation_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}
	return nil
}

// AppendMessage allocates the next sequence position from the per-consultation
// counter and inserts msg. The counter also carries the latest sent_at so
// timestamps never go backwards.
func (r *MessageRepository) AppendMessage(ctx context.Context, msg *db.ChatMessage) error {
	msg.SentAt = msg.SentAt.UTC().Truncate(time.Millisecond)

	var c counter
	err := r.DB.Collection(counterCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": msg.ConsultationID},
		bson.M{
			"$inc": bson.M{"seq": 1},
			"$max": bson.M{"last_sent_at": msg.SentAt},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	msg.Seq = c.Seq
	msg.SentAt = c.LastSentAt.UTC()

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if _, err := r.DB.Collection(messageCollection).InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// History returns the messages of a consultation in sequence order.
func (r *MessageRepository) History(ctx context.Context, consultationID string) ([]db.ChatMessage, error) {
	cursor, err := r.DB.Collection(messageCollection).Find(ctx,
		bson.M{"consultation_id": consultationID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	messages := []db.ChatMessage{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
