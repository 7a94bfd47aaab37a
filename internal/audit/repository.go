package audit

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repository persists Events. The communication subsystem never blocks on
// it: Service's Record* methods log and swallow a repository error rather than
// propagating it into the SCM/WM loops.
type Repository interface {
	Insert(ctx context.Context, ev *Event) error
	Recent(ctx context.Context, limit int64) ([]*Event, error)
}

// InMemoryRepository is the default Repository, used whenever no Mongo
// connection string is configured. It keeps the most recent events up to a
// bounded capacity so long-running processes don't leak memory.
type InMemoryRepository struct {
	mu       sync.Mutex
	events   []*Event
	capacity int
}

// NewInMemoryRepository creates a repository retaining at most capacity
// events, oldest evicted first.
func NewInMemoryRepository(capacity int) *InMemoryRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryRepository{capacity: capacity}
}

func (r *InMemoryRepository) Insert(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
	return nil
}

func (r *InMemoryRepository) Recent(_ context.Context, limit int64) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.events))
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Event, limit)
	copy(out, r.events[n-limit:])
	return out, nil
}

// MongoRepository persists Events to a MongoDB collection, for deployments
// that want the audit trail to survive process restarts.
type MongoRepository struct {
	events *mongo.Collection
}

// NewMongoRepository creates a repository backed by db's "audit_events"
// collection.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{events: db.Collection("audit_events")}
}

func (r *MongoRepository) Insert(ctx context.Context, ev *Event) error {
	_, err := r.events.InsertOne(ctx, ev)
	return err
}

func (r *MongoRepository) Recent(ctx context.Context, limit int64) ([]*Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "occurredAt", Value: -1}}).SetLimit(limit)
	cursor, err := r.events.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*Event
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
