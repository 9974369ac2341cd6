package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDocument struct {
	ID           string     `bson:"_id"`
	CurrentState string     `bson:"currentState"`
	Version      int64      `bson:"version"`
	Data         []byte     `bson:"data"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt"`
	CompletedAt  *time.Time `bson:"completedAt,omitempty"`
	TimeoutAt    *time.Time `bson:"timeoutAt,omitempty"`
}

// MongoRepository stores one document per instance
type MongoRepository[T Instance] struct {
	cfg     *Configuration
	factory Factory[T]
	coll    *mongo.Collection
}

// NewMongoRepository creates a repository over cfg.Mongo
func NewMongoRepository[T Instance](cfg *Configuration, factory Factory[T]) *MongoRepository[T] {
	return &MongoRepository[T]{
		cfg:     cfg,
		factory: factory,
		coll:    cfg.Mongo,
	}
}

// EnsureIndexes creates the indexes used by timeout and expiry queries
func (r *MongoRepository[T]) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timeoutAt", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("saga: mongo indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository[T]) Save(ctx context.Context, inst T) error {
	st, err := validate(inst)
	if err != nil {
		return err
	}

	expected, undo := stamp(st, r.cfg.now())
	data, err := encode(inst)
	if err != nil {
		undo()
		return err
	}

	doc := mongoDocument{
		ID:           st.CorrelationID.String(),
		CurrentState: st.CurrentState,
		Version:      st.Version,
		Data:         data,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
		CompletedAt:  st.CompletedAt,
		TimeoutAt:    st.TimeoutAt,
	}

	if expected == 0 {
		_, err = r.coll.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			undo()
			return conflict(st.CorrelationID, expected)
		}
	} else {
		var res *mongo.UpdateResult
		res, err = r.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}, {Key: "version", Value: expected}}, doc)
		if err == nil && res.MatchedCount == 0 {
			undo()
			return conflict(st.CorrelationID, expected)
		}
	}

	if err != nil {
		undo()
		return fmt.Errorf("saga: mongo save %s: %w", st.CorrelationID, err)
	}
	return nil
}

func (r *MongoRepository[T]) Load(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	var doc mongoDocument
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, notFound(id)
	}
	if err != nil {
		return zero, fmt.Errorf("saga: mongo load %s: %w", id, err)
	}
	return decode(r.factory, doc.Data)
}

func (r *MongoRepository[T]) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id.String()}}); err != nil {
		return fmt.Errorf("saga: mongo delete %s: %w", id, err)
	}
	return nil
}

func (r *MongoRepository[T]) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]T, error) {
	filter := bson.D{
		{Key: "timeoutAt", Value: bson.D{{Key: "$lte", Value: now}}},
		{Key: "completedAt", Value: bson.D{{Key: "$exists", Value: false}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timeoutAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("saga: mongo due timeouts: %w", err)
	}
	defer cur.Close(ctx)

	var out []T
	for cur.Next(ctx) {
		var doc mongoDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("saga: mongo decode: %w", err)
		}
		inst, err := decode(r.factory, doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

func (r *MongoRepository[T]) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var or bson.A
	if d := r.cfg.DefaultExpiration; d > 0 {
		or = append(or, bson.D{
			{Key: "completedAt", Value: bson.D{{Key: "$exists", Value: false}}},
			{Key: "updatedAt", Value: bson.D{{Key: "$lt", Value: now.Add(-d)}}},
		})
	}
	if d := r.cfg.CompletedExpiration; d > 0 {
		or = append(or, bson.D{{Key: "completedAt", Value: bson.D{{Key: "$lt", Value: now.Add(-d)}}}})
	}
	if len(or) == 0 {
		return 0, nil
	}

	res, err := r.coll.DeleteMany(ctx, bson.D{{Key: "$or", Value: or}})
	if err != nil {
		return 0, fmt.Errorf("saga: mongo purge: %w", err)
	}
	return int(res.DeletedCount), nil
}
