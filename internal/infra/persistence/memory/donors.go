package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinicalcore/pkg/domain"
)

// DonorStore holds donor documents keyed by donor id.
type DonorStore struct {
	mu     sync.RWMutex
	donors map[string]domain.Donor
	now    func() time.Time
}

// NewDonorStore seeds the store with donors.
func NewDonorStore(donors ...domain.Donor) *DonorStore {
	s := &DonorStore{donors: make(map[string]domain.Donor, len(donors)), now: func() time.Time { return time.Now().UTC() }}
	for _, d := range donors {
		s.donors[d.DonorID] = d.Clone()
	}
	return s
}

// Get returns a copy of the stored donor.
func (s *DonorStore) Get(id string) (domain.Donor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.donors[id]
	if !ok {
		return domain.Donor{}, false
	}
	return d.Clone(), true
}

// All returns every donor ordered by id.
func (s *DonorStore) All() []domain.Donor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Donor, 0, len(s.donors))
	for _, d := range s.donors {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DonorID < out[j].DonorID })
	return out
}

func (s *DonorStore) FindUnmigratedBatch(ctx context.Context, migrationID string, limit int) ([]domain.Donor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Donor
	for _, d := range s.All() {
		if d.SchemaMetadata.LastMigrationID == migrationID {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *DonorStore) update(ctx context.Context, id string, mutate func(*domain.Donor)) (domain.Donor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Donor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donors[id]
	if !ok {
		return domain.Donor{}, domain.NotFoundError{Entity: "donor", ID: id}
	}
	d = d.Clone()
	mutate(&d)
	d.UpdatedAt = s.now()
	s.donors[id] = d
	return d.Clone(), nil
}

func (s *DonorStore) MarkValid(ctx context.Context, d domain.Donor, migrationID, version string) (domain.Donor, error) {
	return s.update(ctx, d.DonorID, func(stored *domain.Donor) {
		stored.SchemaMetadata.IsValid = true
		stored.SchemaMetadata.LastValidSchemaVersion = version
		stored.SchemaMetadata.LastMigrationID = migrationID
	})
}

func (s *DonorStore) MarkInvalid(ctx context.Context, d domain.Donor, migrationID string) (domain.Donor, error) {
	return s.update(ctx, d.DonorID, func(stored *domain.Donor) {
		stored.SchemaMetadata.IsValid = false
		stored.SchemaMetadata.LastMigrationID = migrationID
	})
}

func (s *DonorStore) TagMigrationIDOnly(ctx context.Context, d domain.Donor, migrationID string) (domain.Donor, error) {
	return s.update(ctx, d.DonorID, func(stored *domain.Donor) {
		stored.SchemaMetadata.LastMigrationID = migrationID
	})
}

func (s *DonorStore) UpdateCompletionStats(ctx context.Context, d domain.Donor, stats domain.CompletionStats) (domain.Donor, error) {
	return s.update(ctx, d.DonorID, func(stored *domain.Donor) {
		cp := stats
		stored.CompletionStats = &cp
	})
}
