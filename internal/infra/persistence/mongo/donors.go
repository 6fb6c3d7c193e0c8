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

// DonorStore reads and updates donor documents.
type DonorStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewDonorStore wraps the donors collection.
func NewDonorStore(coll *mongo.Collection) *DonorStore {
	return &DonorStore{coll: coll, now: func() time.Time { return time.Now().UTC() }}
}

func (s *DonorStore) FindUnmigratedBatch(ctx context.Context, migrationID string, limit int) ([]domain.Donor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "donorId", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, unmigratedFilter(migrationID), opts)
	if err != nil {
		return nil, fmt.Errorf("find unmigrated donors: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var donors []domain.Donor
	if err := cur.All(ctx, &donors); err != nil {
		return nil, fmt.Errorf("decode donors: %w", err)
	}
	for i := range donors {
		normalizeRecords(donors[i].ClinicalEntities)
	}
	return donors, nil
}

func (s *DonorStore) apply(ctx context.Context, donorID string, update any) (domain.Donor, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out domain.Donor
	err := s.coll.FindOneAndUpdate(ctx, donorFilter(donorID), update, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Donor{}, domain.NotFoundError{Entity: "donor", ID: donorID}
	}
	if err != nil {
		return domain.Donor{}, fmt.Errorf("update donor %s: %w", donorID, err)
	}
	normalizeRecords(out.ClinicalEntities)
	return out, nil
}

func (s *DonorStore) MarkValid(ctx context.Context, d domain.Donor, migrationID, version string) (domain.Donor, error) {
	return s.apply(ctx, d.DonorID, markValidUpdate(migrationID, version, s.now()))
}

func (s *DonorStore) MarkInvalid(ctx context.Context, d domain.Donor, migrationID string) (domain.Donor, error) {
	return s.apply(ctx, d.DonorID, markInvalidUpdate(migrationID, s.now()))
}

func (s *DonorStore) TagMigrationIDOnly(ctx context.Context, d domain.Donor, migrationID string) (domain.Donor, error) {
	return s.apply(ctx, d.DonorID, tagMigrationUpdate(migrationID, s.now()))
}

func (s *DonorStore) UpdateCompletionStats(ctx context.Context, d domain.Donor, stats domain.CompletionStats) (domain.Donor, error) {
	return s.apply(ctx, d.DonorID, completionStatsUpdate(stats, s.now()))
}
