package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-attendance-verifier/avatar"
)

type MongoConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

type MongoStore struct {
	client     *mongo.Client
	records    *mongo.Collection
	references *mongo.Collection
	now        func() time.Time
}

type referenceDocument struct {
	UserID    string    `bson:"_id"`
	URL       string    `bson:"url"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// NewMongoStore connects to mongodb and makes sure the indexes exist.
func NewMongoStore(ctx context.Context, config MongoConfig) (*MongoStore, error) {
	if config.URI == "" || config.Database == "" {
		return nil, fmt.Errorf("mongo uri and database are required")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(config.URI)
	clientOpts.SetMinPoolSize(5)
	clientOpts.SetMaxPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s, err := NewMongoStoreFromDatabase(ctx, client.Database(config.Database))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	slog.Info("Connected to mongodb successfully", "database", config.Database)
	return s, nil
}

func NewMongoStoreFromDatabase(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		client:     db.Client(),
		records:    db.Collection("AttendanceRecords"),
		references: db.Collection("ReferenceImages"),
		now:        time.Now,
	}
	if err := s.setUpIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) setUpIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{{
		Keys:    bson.D{{Key: "userID", Value: 1}, {Key: "activityID", Value: 1}},
		Options: options.Index().SetUnique(true),
	}, {
		Keys:    bson.D{{Key: "activityID", Value: 1}},
		Options: options.Index(),
	}, {
		Keys:    bson.D{{Key: "status", Value: 1}},
		Options: options.Index(),
	}})
	if err != nil {
		return fmt.Errorf("failed to create attendance indexes: %w", err)
	}
	slog.Debug("mongodb indexes set up successfully")
	return nil
}

func recordFilter(userID, activityID string) bson.M {
	return bson.M{"userID": userID, "activityID": activityID}
}

// Save upserts in a single FindOneAndUpdate so concurrent first saves of a
// pair converge on one document. _id and createdAt are only written on insert.
func (s *MongoStore) Save(ctx context.Context, rec Record) (Record, error) {
	if rec.UserID == "" || rec.ActivityID == "" {
		return Record{}, fmt.Errorf("user id and activity id are required")
	}

	// mongodb keeps millisecond precision
	now := s.now().UTC().Truncate(time.Millisecond)
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}

	set := bson.M{
		"similarity": rec.Similarity,
		"isMatch":    rec.IsMatch,
		"method":     rec.Method,
		"status":     rec.Status,
		"updatedAt":  now,
	}
	unset := bson.M{"reviewer": "", "reviewRequestedAt": "", "reviewedAt": ""}
	for field, value := range map[string]string{
		"error":         rec.Error,
		"capturedImage": rec.CapturedImage,
		"receiptJwt":    rec.ReceiptJwt,
	} {
		if value == "" {
			unset[field] = ""
		} else {
			set[field] = value
		}
	}
	update := bson.M{
		"$set":         set,
		"$unset":       unset,
		"$setOnInsert": bson.M{"_id": id, "createdAt": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored Record
	err := s.records.FindOneAndUpdate(ctx, recordFilter(rec.UserID, rec.ActivityID), update, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// lost an insert race on the unique index, the document exists now
		err = s.records.FindOneAndUpdate(ctx, recordFilter(rec.UserID, rec.ActivityID), update, opts).Decode(&stored)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to save attendance record: %w", err)
	}
	return stored, nil
}

func (s *MongoStore) Get(ctx context.Context, userID, activityID string) (Record, error) {
	var rec Record
	err := s.records.FindOne(ctx, recordFilter(userID, activityID)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read attendance record: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) ListByActivity(ctx context.Context, activityID string) ([]Record, error) {
	return s.find(ctx, bson.M{"activityID": activityID})
}

func (s *MongoStore) ListPending(ctx context.Context) ([]Record, error) {
	return s.find(ctx, bson.M{"status": StatusPendingReview})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "userID", Value: 1}})
	cursor, err := s.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance records: %w", err)
	}
	out := make([]Record, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode attendance records: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Resolve(ctx context.Context, userID, activityID string, approve bool, reviewer string) (Record, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	filter := recordFilter(userID, activityID)
	filter["status"] = StatusPendingReview

	update := bson.M{"$set": bson.M{
		"status":     resolvedStatus(approve),
		"reviewer":   reviewer,
		"reviewedAt": now,
		"updatedAt":  now,
	}}

	var rec Record
	err := s.records.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.Get(ctx, userID, activityID); getErr != nil {
			return Record{}, getErr
		}
		return Record{}, ErrNotPending
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to resolve attendance record: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) MarkReviewRequested(ctx context.Context, userID, activityID string, at time.Time) error {
	res, err := s.records.UpdateOne(ctx, recordFilter(userID, activityID),
		bson.M{"$set": bson.M{"reviewRequestedAt": at.UTC()}})
	if err != nil {
		return fmt.Errorf("failed to mark review requested: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ReferenceImageURL(ctx context.Context, userID string) (string, error) {
	var doc referenceDocument
	err := s.references.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && doc.URL == "") {
		return "", avatar.ErrNoReferenceImage
	}
	if err != nil {
		return "", fmt.Errorf("failed to read reference image url: %w", err)
	}
	return doc.URL, nil
}

func (s *MongoStore) SetReferenceImageURL(ctx context.Context, userID, url string) error {
	doc := referenceDocument{UserID: userID, URL: url, UpdatedAt: s.now().UTC()}
	_, err := s.references.ReplaceOne(ctx, bson.M{"_id": userID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store reference image url: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
