package domain

import (
	"maps"
	"sort"
	"time"

	"clinicalcore/pkg/dictionary"
)

// SchemaMetadata is the per-donor validity cursor maintained by migrations.
type SchemaMetadata struct {
	IsValid                bool   `json:"isValid" bson:"isValid"`
	LastValidSchemaVersion string `json:"lastValidSchemaVersion" bson:"lastValidSchemaVersion"`
	OriginalSchemaVersion  string `json:"originalSchemaVersion,omitempty" bson:"originalSchemaVersion,omitempty"`
	LastMigrationID        string `json:"lastMigrationId,omitempty" bson:"lastMigrationId,omitempty"`
}

// CompletionStats holds a donor's core completeness scoring. CoreCompletion
// maps a core entity name to its completion ratio in [0, 1].
type CompletionStats struct {
	CoreCompletion           map[string]float64 `json:"coreCompletion" bson:"coreCompletion"`
	CoreCompletionPercentage float64            `json:"coreCompletionPercentage" bson:"coreCompletionPercentage"`
	InvalidEntities          []string           `json:"invalidEntities,omitempty" bson:"invalidEntities,omitempty"`
	NeedsRecalculation       bool               `json:"needsRecalculation,omitempty" bson:"needsRecalculation,omitempty"`
	UpdatedAt                time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// Clinical entity names referenced by stats and preflight defaults.
const (
	EntityDonor            = "donor"
	EntitySpecimen         = "specimen"
	EntityPrimaryDiagnosis = "primary_diagnosis"
	EntityTreatment        = "treatment"
	EntityFollowUp         = "follow_up"
)

// Donor is one donor document with its clinical entities embedded. Entity
// records are stored typed, keyed by clinical entity schema name.
type Donor struct {
	DonorID          string                      `json:"donorId" bson:"donorId"`
	SubmitterID      string                      `json:"submitterId" bson:"submitterId"`
	ProgramID        string                      `json:"programId" bson:"programId"`
	SchemaMetadata   SchemaMetadata              `json:"schemaMetadata" bson:"schemaMetadata"`
	CompletionStats  *CompletionStats            `json:"completionStats,omitempty" bson:"completionStats,omitempty"`
	ClinicalEntities map[string][]map[string]any `json:"clinicalEntities" bson:"clinicalEntities"`
	UpdatedAt        time.Time                   `json:"updatedAt" bson:"updatedAt"`
}

// EntityNames returns the entity names present on the donor, sorted.
func (d Donor) EntityNames() []string {
	names := make([]string, 0, len(d.ClinicalEntities))
	for name, recs := range d.ClinicalEntities {
		if len(recs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RawRecords renders the entity's typed records back into raw string form
// for revalidation.
func (d Donor) RawRecords(entity string) []dictionary.DataRecord {
	typed := d.ClinicalEntities[entity]
	out := make([]dictionary.DataRecord, 0, len(typed))
	for _, rec := range typed {
		out = append(out, dictionary.ToDataRecord(rec))
	}
	return out
}

// Clone returns a deep copy of the donor's mutable parts.
func (d Donor) Clone() Donor {
	cp := d
	if d.CompletionStats != nil {
		stats := *d.CompletionStats
		stats.CoreCompletion = maps.Clone(d.CompletionStats.CoreCompletion)
		stats.InvalidEntities = append([]string(nil), d.CompletionStats.InvalidEntities...)
		cp.CompletionStats = &stats
	}
	if d.ClinicalEntities != nil {
		cp.ClinicalEntities = make(map[string][]map[string]any, len(d.ClinicalEntities))
		for name, recs := range d.ClinicalEntities {
			cloned := make([]map[string]any, len(recs))
			for i, rec := range recs {
				cloned[i] = maps.Clone(rec)
			}
			cp.ClinicalEntities[name] = cloned
		}
	}
	return cp
}
