package domain

import (
	"fmt"
	"time"

	"clinicalcore/pkg/dictionary"
)

// MigrationState is OPEN while a migration may still run and CLOSED once it
// has completed or been rejected.
type MigrationState string

const (
	MigrationOpen   MigrationState = "OPEN"
	MigrationClosed MigrationState = "CLOSED"
)

// MigrationStage tracks progress within a migration.
type MigrationStage string

const (
	StageSubmitted  MigrationStage = "SUBMITTED"
	StageAnalyzed   MigrationStage = "ANALYZED"
	StageInProgress MigrationStage = "IN_PROGRESS"
	StageCompleted  MigrationStage = "COMPLETED"
	StageFailed     MigrationStage = "FAILED"
)

// MigrationStats counts processed donors. TotalProcessed always equals
// ValidDocumentsCount + InvalidDocumentsCount at a checkpoint.
type MigrationStats struct {
	TotalProcessed        int `json:"totalProcessed" bson:"totalProcessed"`
	ValidDocumentsCount   int `json:"validDocumentsCount" bson:"validDocumentsCount"`
	InvalidDocumentsCount int `json:"invalidDocumentsCount" bson:"invalidDocumentsCount"`
}

// EntityErrors maps a clinical entity name to its validation errors.
type EntityErrors map[string][]dictionary.SchemaValidationError

// DonorMigrationError records why one donor failed the new dictionary.
// ProcessingError is set when the donor could not be processed at all.
type DonorMigrationError struct {
	DonorID          string         `json:"donorId,omitempty" bson:"donorId,omitempty"`
	SubmitterDonorID string         `json:"submitterDonorId" bson:"submitterDonorId"`
	ProgramID        string         `json:"programId" bson:"programId"`
	Errors           []EntityErrors `json:"errors" bson:"errors"`
	ProcessingError  string         `json:"processingError,omitempty" bson:"processingError,omitempty"`
}

// VersionPairAnalysis is the memoized breaking-change summary for one
// (from, to) dictionary version pair.
type VersionPairAnalysis struct {
	FromVersion         string   `json:"fromVersion" bson:"fromVersion"`
	ToVersion           string   `json:"toVersion" bson:"toVersion"`
	InvalidatedEntities []string `json:"invalidatedEntities" bson:"invalidatedEntities"`
	CoreChangedEntities []string `json:"coreChangedEntities" bson:"coreChangedEntities"`
}

// Key identifies the version pair.
func (a VersionPairAnalysis) Key() string {
	return VersionPairKey(a.FromVersion, a.ToVersion)
}

// VersionPairKey formats a version pair key.
func VersionPairKey(from, to string) string {
	return fmt.Sprintf("%s->%s", from, to)
}

// SchemaIncompatibility is one reason the target dictionary cannot be
// adopted.
type SchemaIncompatibility struct {
	Entity  string   `json:"entity" bson:"entity"`
	Field   string   `json:"field,omitempty" bson:"field,omitempty"`
	Reason  string   `json:"reason" bson:"reason"`
	Missing []string `json:"missing,omitempty" bson:"missing,omitempty"`
}

func (s SchemaIncompatibility) String() string {
	target := s.Entity
	if s.Field != "" {
		target = dictionary.FieldPath(s.Entity, s.Field)
	}
	if len(s.Missing) > 0 {
		return fmt.Sprintf("%s: %s %v", target, s.Reason, s.Missing)
	}
	return fmt.Sprintf("%s: %s", target, s.Reason)
}

// DictionaryMigration is the persisted record of one migration run. It is
// overwritten in full at every checkpoint and never deleted.
type DictionaryMigration struct {
	ID                       string                  `json:"id" bson:"_id"`
	DictionaryName           string                  `json:"dictionaryName" bson:"dictionaryName"`
	FromVersion              string                  `json:"fromVersion" bson:"fromVersion"`
	ToVersion                string                  `json:"toVersion" bson:"toVersion"`
	State                    MigrationState          `json:"state" bson:"state"`
	Stage                    MigrationStage          `json:"stage" bson:"stage"`
	DryRun                   bool                    `json:"dryRun" bson:"dryRun"`
	AnalysisCache            []VersionPairAnalysis   `json:"analysisCache,omitempty" bson:"analysisCache,omitempty"`
	Stats                    MigrationStats          `json:"stats" bson:"stats"`
	InvalidDonorsErrors      []DonorMigrationError   `json:"invalidDonorsErrors" bson:"invalidDonorsErrors"`
	CheckedSubmissions       []SubmissionRef         `json:"checkedSubmissions" bson:"checkedSubmissions"`
	InvalidSubmissions       []SubmissionRef         `json:"invalidSubmissions" bson:"invalidSubmissions"`
	ProgramsWithDonorUpdates []string                `json:"programsWithDonorUpdates" bson:"programsWithDonorUpdates"`
	CreatedBy                string                  `json:"createdBy" bson:"createdBy"`
	NewSchemaErrors          []SchemaIncompatibility `json:"newSchemaErrors,omitempty" bson:"newSchemaErrors,omitempty"`
	Error                    string                  `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt                time.Time               `json:"createdAt" bson:"createdAt"`
	UpdatedAt                time.Time               `json:"updatedAt" bson:"updatedAt"`
}

// AddProgram appends programID unless it is already listed.
func (m *DictionaryMigration) AddProgram(programID string) {
	if programID == "" {
		return
	}
	for _, p := range m.ProgramsWithDonorUpdates {
		if p == programID {
			return
		}
	}
	m.ProgramsWithDonorUpdates = append(m.ProgramsWithDonorUpdates, programID)
}

// SubmissionChecked reports whether the submission was already revalidated
// by this migration.
func (m DictionaryMigration) SubmissionChecked(id string) bool {
	for _, ref := range m.CheckedSubmissions {
		if ref.ID == id {
			return true
		}
	}
	return false
}

// CachedAnalysis returns the memoized analysis for a version pair.
func (m DictionaryMigration) CachedAnalysis(from, to string) (VersionPairAnalysis, bool) {
	key := VersionPairKey(from, to)
	for _, a := range m.AnalysisCache {
		if a.Key() == key {
			return a, true
		}
	}
	return VersionPairAnalysis{}, false
}

// RememberAnalysis stores a version pair analysis on the record, replacing
// an existing entry for the same pair.
func (m *DictionaryMigration) RememberAnalysis(a VersionPairAnalysis) {
	for i := range m.AnalysisCache {
		if m.AnalysisCache[i].Key() == a.Key() {
			m.AnalysisCache[i] = a
			return
		}
	}
	m.AnalysisCache = append(m.AnalysisCache, a)
}
