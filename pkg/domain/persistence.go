package domain

import "context"

// MigrationLog is the append-only store of migration records. At most one
// record may be OPEN; Create and Update return ErrStateConflict otherwise.
type MigrationLog interface {
	Create(ctx context.Context, m DictionaryMigration) (DictionaryMigration, error)
	// Update overwrites the full record. Missing ids yield ErrNotFound.
	Update(ctx context.Context, m DictionaryMigration) error
	Get(ctx context.Context, id string) (DictionaryMigration, error)
	FindOpen(ctx context.Context) (DictionaryMigration, bool, error)
	// List returns records in creation order; an empty state lists all.
	List(ctx context.Context, state MigrationState) ([]DictionaryMigration, error)
}

// DonorStore is the donor document query/update contract consumed by the
// migration sweep.
type DonorStore interface {
	// FindUnmigratedBatch returns up to limit donors whose
	// schemaMetadata.lastMigrationId differs from migrationID, ordered by
	// donor id.
	FindUnmigratedBatch(ctx context.Context, migrationID string, limit int) ([]Donor, error)
	MarkValid(ctx context.Context, d Donor, migrationID, version string) (Donor, error)
	MarkInvalid(ctx context.Context, d Donor, migrationID string) (Donor, error)
	TagMigrationIDOnly(ctx context.Context, d Donor, migrationID string) (Donor, error)
	UpdateCompletionStats(ctx context.Context, d Donor, stats CompletionStats) (Donor, error)
}

// SubmissionStore persists active clinical submissions.
type SubmissionStore interface {
	// FindOpen returns every submission that has not been committed.
	FindOpen(ctx context.Context) ([]Submission, error)
	Save(ctx context.Context, s Submission) (Submission, error)
}

// SubmissionLock is the persisted flag that pauses clinical submissions.
// SetSubmissionsDisabled reports whether the flag was applied.
type SubmissionLock interface {
	SetSubmissionsDisabled(ctx context.Context, disabled bool) (bool, error)
	SubmissionsDisabled(ctx context.Context) (bool, error)
}
