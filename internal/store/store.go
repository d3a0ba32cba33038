package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// ErrTotalWriteFailure is returned when every operation of a bulk write was rejected.
var ErrTotalWriteFailure = errors.New("bulk write rejected every operation")

// Store provides a MongoDB implementation of the StagingStore interface.
type Store struct {
	db  *mongo.Database
	log *zap.Logger
}

var _ schemas.StagingStore = (*Store)(nil)

// New creates a new store instance on db and verifies the connection.
func New(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*Store, error) {
	if err := db.Client().Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		db:  db,
		log: logger.Named("store"),
	}, nil
}

// Connect dials uri and returns a store on the named database. The returned
// store owns the client and disconnects it on Close.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(15*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", uri, err)
	}
	s, err := New(ctx, client.Database(database), logger)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureIndexes(ctx context.Context, collection string, specs []schemas.IndexSpec) error {
	if len(specs) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(specs))
	for _, spec := range specs {
		keys := bson.D{}
		for _, k := range spec.Keys {
			keys = append(keys, bson.E{Key: k, Value: 1})
		}
		opts := options.Index().SetUnique(spec.Unique)
		if spec.Name != "" {
			opts.SetName(spec.Name)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: opts})
	}
	if _, err := s.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
	}
	return nil
}

func updateDocument(u schemas.Update) bson.M {
	doc := bson.M{}
	if len(u.SetOnInsert) > 0 {
		doc["$setOnInsert"] = bson.M(u.SetOnInsert)
	}
	if len(u.Set) > 0 {
		doc["$set"] = bson.M(u.Set)
	}
	if len(u.AddToSet) > 0 {
		each := bson.M{}
		for field, values := range u.AddToSet {
			each[field] = bson.M{"$each": bson.A(values)}
		}
		doc["$addToSet"] = each
	}
	return doc
}

// BulkUpsert sends the updates as one unordered bulk write. Individually rejected
// operations are logged and counted; only a batch where nothing succeeded is an error.
func (s *Store) BulkUpsert(ctx context.Context, collection string, updates []schemas.Update) (schemas.BulkResult, error) {
	res := schemas.BulkResult{Requested: len(updates)}
	if len(updates) == 0 {
		return res, nil
	}

	models := make([]mongo.WriteModel, len(updates))
	for i, u := range updates {
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M(u.Match)).
			SetUpdate(updateDocument(u)).
			SetUpsert(true)
	}

	out, err := s.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if out != nil {
		res.Matched = int(out.MatchedCount)
		res.Modified = int(out.ModifiedCount)
		res.Upserted = int(out.UpsertedCount)
	}
	if err == nil {
		return res, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return res, fmt.Errorf("bulk write to %s failed: %w", collection, err)
	}
	res.Failed = len(bwe.WriteErrors)
	if res.Failed >= len(updates) {
		return res, fmt.Errorf("%w: %d operations on %s: %v", ErrTotalWriteFailure, res.Failed, collection, err)
	}

	fields := []zap.Field{
		zap.String("collection", collection),
		zap.Int("failed", res.Failed),
		zap.Int("requested", res.Requested),
	}
	if len(bwe.WriteErrors) > 0 {
		fields = append(fields, zap.String("first_error", bwe.WriteErrors[0].Message))
	}
	s.log.Warn("Bulk upsert partially failed", fields...)
	return res, nil
}

func (s *Store) Scan(ctx context.Context, collection string, fn func(schemas.Document) error) error {
	cur, err := s.db.Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode document from %s: %w", collection, err)
		}
		if err := fn(normalizeDocument(raw)); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("cursor over %s failed: %w", collection, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (s *Store) Distinct(ctx context.Context, collection, field string) ([]any, error) {
	values, err := s.db.Collection(collection).Distinct(ctx, field, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to read distinct %s from %s: %w", field, collection, err)
	}
	for i, v := range values {
		values[i] = normalizeValue(v)
	}
	return values, nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

func (s *Store) DropCollection(ctx context.Context, collection string) error {
	if err := s.db.Collection(collection).Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop %s: %w", collection, err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, collection, field string, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	res, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{field: bson.M{"$in": values}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (s *Store) ReplaceOne(ctx context.Context, collection string, filter, doc schemas.Document) error {
	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M(filter), bson.M(doc), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to replace document in %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, collection string, filter schemas.Document) ([]schemas.Document, error) {
	if filter == nil {
		filter = schemas.Document{}
	}
	cur, err := s.db.Collection(collection).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	docs := make([]schemas.Document, len(raw))
	for i, r := range raw {
		docs[i] = normalizeDocument(r)
	}
	return docs, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// normalizeDocument converts driver specific types into plain Go values so the
// rest of the pipeline never has to know about bson.
func normalizeDocument(raw bson.M) schemas.Document {
	doc := make(schemas.Document, len(raw))
	for k, v := range raw {
		doc[k] = normalizeValue(v)
	}
	return doc
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.M:
		return map[string]any(normalizeDocument(t))
	case primitive.D:
		return map[string]any(normalizeDocument(t.Map()))
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	default:
		return v
	}
}
