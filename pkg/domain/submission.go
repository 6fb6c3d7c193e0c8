package domain

import (
	"time"

	"clinicalcore/pkg/dictionary"
)

// SubmissionState is the workflow state of an active clinical submission.
type SubmissionState string

const (
	SubmissionOpen               SubmissionState = "OPEN"
	SubmissionValid              SubmissionState = "VALID"
	SubmissionInvalid            SubmissionState = "INVALID"
	SubmissionPendingApproval    SubmissionState = "PENDING_APPROVAL"
	SubmissionInvalidByMigration SubmissionState = "INVALID_BY_MIGRATION"
)

// Finalized reports whether the state can no longer change through
// revalidation.
func (s SubmissionState) Finalized() bool {
	return s == SubmissionInvalid || s == SubmissionInvalidByMigration
}

// SubmissionEntity is the uploaded batch for one clinical entity.
// SchemaError is set when the dictionary no longer defines the entity.
type SubmissionEntity struct {
	BatchName   string                             `json:"batchName,omitempty" bson:"batchName,omitempty"`
	Records     []dictionary.DataRecord            `json:"records" bson:"records"`
	DataErrors  []dictionary.SchemaValidationError `json:"dataErrors,omitempty" bson:"dataErrors,omitempty"`
	SchemaError string                             `json:"schemaError,omitempty" bson:"schemaError,omitempty"`
}

// Submission is an in-progress clinical upload that has not been committed
// to donor documents yet.
type Submission struct {
	ID                string                      `json:"id" bson:"_id"`
	ProgramID         string                      `json:"programId" bson:"programId"`
	State             SubmissionState             `json:"state" bson:"state"`
	DictionaryVersion string                      `json:"dictionaryVersion" bson:"dictionaryVersion"`
	ClinicalEntities  map[string]SubmissionEntity `json:"clinicalEntities" bson:"clinicalEntities"`
	LastMigrationID   string                      `json:"lastMigrationId,omitempty" bson:"lastMigrationId,omitempty"`
	UpdatedAt         time.Time                   `json:"updatedAt" bson:"updatedAt"`
}

// Ref returns the reference stored on migration records.
func (s Submission) Ref() SubmissionRef {
	return SubmissionRef{ID: s.ID, ProgramID: s.ProgramID}
}

// SubmissionRef identifies a submission from a migration record.
type SubmissionRef struct {
	ID        string `json:"id" bson:"id"`
	ProgramID string `json:"programId" bson:"programId"`
}
