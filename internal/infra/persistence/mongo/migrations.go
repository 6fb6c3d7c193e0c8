package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinicalcore/pkg/domain"
)

// MigrationLog stores migration records; a unique partial index on
// state = OPEN keeps at most one open record.
type MigrationLog struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMigrationLog ensures the migration indexes exist and wraps coll.
func NewMigrationLog(ctx context.Context, coll *mongo.Collection) (*MigrationLog, error) {
	if _, err := coll.Indexes().CreateMany(ctx, migrationIndexes()); err != nil {
		return nil, fmt.Errorf("create migration indexes: %w", err)
	}
	return &MigrationLog{coll: coll, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrationIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "state", Value: 1}},
			Options: options.Index().
				SetName("single_open").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"state": string(domain.MigrationOpen)}),
		},
		{Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}, Options: options.Index().SetName("created")},
	}
}

func (l *MigrationLog) conflict(ctx context.Context) error {
	open, ok, err := l.FindOpen(ctx)
	if err != nil || !ok {
		return domain.StateConflictError{}
	}
	return domain.StateConflictError{OpenMigrationID: open.ID}
}

func (l *MigrationLog) Create(ctx context.Context, m domain.DictionaryMigration) (domain.DictionaryMigration, error) {
	now := l.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if _, err := l.coll.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.DictionaryMigration{}, l.conflict(ctx)
		}
		return domain.DictionaryMigration{}, fmt.Errorf("insert migration %s: %w", m.ID, err)
	}
	return m, nil
}

func (l *MigrationLog) Update(ctx context.Context, m domain.DictionaryMigration) error {
	m.UpdatedAt = l.now()
	res, err := l.coll.ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return l.conflict(ctx)
		}
		return fmt.Errorf("update migration %s: %w", m.ID, err)
	}
	if res.MatchedCount == 0 {
		return domain.NotFoundError{Entity: "migration", ID: m.ID}
	}
	return nil
}

func (l *MigrationLog) Get(ctx context.Context, id string) (domain.DictionaryMigration, error) {
	var m domain.DictionaryMigration
	err := l.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DictionaryMigration{}, domain.NotFoundError{Entity: "migration", ID: id}
	}
	if err != nil {
		return domain.DictionaryMigration{}, fmt.Errorf("get migration %s: %w", id, err)
	}
	return m, nil
}

func (l *MigrationLog) FindOpen(ctx context.Context) (domain.DictionaryMigration, bool, error) {
	var m domain.DictionaryMigration
	err := l.coll.FindOne(ctx, migrationStateFilter(domain.MigrationOpen)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DictionaryMigration{}, false, nil
	}
	if err != nil {
		return domain.DictionaryMigration{}, false, fmt.Errorf("find open migration: %w", err)
	}
	return m, true, nil
}

func (l *MigrationLog) List(ctx context.Context, state domain.MigrationState) ([]domain.DictionaryMigration, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := l.coll.Find(ctx, migrationStateFilter(state), opts)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.DictionaryMigration
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode migrations: %w", err)
	}
	return out, nil
}
