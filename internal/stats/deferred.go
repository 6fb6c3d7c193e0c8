// Package stats provides the completion-statistics collaborator used by
// migrations when no in-process calculator is deployed.
package stats

import (
	"context"
	"maps"
	"slices"
	"time"

	"clinicalcore/pkg/domain"
)

// CoreEntities are the clinical entities that count toward core completion.
var CoreEntities = []string{
	domain.EntityDonor,
	domain.EntityPrimaryDiagnosis,
	domain.EntitySpecimen,
	domain.EntityTreatment,
	domain.EntityFollowUp,
}

// Deferred records stats changes on the donor and leaves full recomputation
// to the downstream calculator, which picks up donors flagged with
// NeedsRecalculation.
type Deferred struct {
	donors domain.DonorStore
	now    func() time.Time
}

// NewDeferred writes through donors.
func NewDeferred(donors domain.DonorStore) *Deferred {
	return &Deferred{donors: donors, now: func() time.Time { return time.Now().UTC() }}
}

// RecalculateFullStats flags the donor for a full recomputation and clears
// any invalid entity markers.
func (d *Deferred) RecalculateFullStats(ctx context.Context, donor domain.Donor) (domain.Donor, error) {
	stats := current(donor)
	stats.InvalidEntities = nil
	stats.NeedsRecalculation = true
	stats.UpdatedAt = d.now()
	return d.donors.UpdateCompletionStats(ctx, donor, stats)
}

// SetInvalidCoreStats zeroes the completion of the named core entities and
// records them as invalid. Non-core entity names are ignored.
func (d *Deferred) SetInvalidCoreStats(ctx context.Context, donor domain.Donor, invalidEntities []string) (domain.Donor, error) {
	stats := current(donor)
	invalid := make(map[string]struct{}, len(stats.InvalidEntities))
	for _, e := range stats.InvalidEntities {
		invalid[e] = struct{}{}
	}
	for _, e := range invalidEntities {
		if !slices.Contains(CoreEntities, e) {
			continue
		}
		stats.CoreCompletion[e] = 0
		invalid[e] = struct{}{}
	}
	stats.InvalidEntities = slices.Sorted(maps.Keys(invalid))
	stats.CoreCompletionPercentage = Percentage(stats.CoreCompletion)
	stats.UpdatedAt = d.now()
	return d.donors.UpdateCompletionStats(ctx, donor, stats)
}

// Percentage averages completion over CoreEntities; missing entries count
// as zero.
func Percentage(completion map[string]float64) float64 {
	if len(CoreEntities) == 0 {
		return 0
	}
	var sum float64
	for _, e := range CoreEntities {
		sum += completion[e]
	}
	return sum / float64(len(CoreEntities))
}

func current(donor domain.Donor) domain.CompletionStats {
	if donor.CompletionStats == nil {
		return domain.CompletionStats{CoreCompletion: make(map[string]float64)}
	}
	stats := *donor.CompletionStats
	stats.CoreCompletion = maps.Clone(donor.CompletionStats.CoreCompletion)
	if stats.CoreCompletion == nil {
		stats.CoreCompletion = make(map[string]float64)
	}
	stats.InvalidEntities = slices.Clone(donor.CompletionStats.InvalidEntities)
	return stats
}
