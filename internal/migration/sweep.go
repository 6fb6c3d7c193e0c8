package migration

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"clinicalcore/internal/observability"
	"clinicalcore/internal/validation"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

// sweep processes donors not yet tagged with rec.ID, one checkpointed batch
// at a time, until none remain.
func (m *Manager) sweep(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary) error {
	for {
		var size int
		err := observability.Instrument(ctx, m.tracer, m.metrics, "migration.batch", func(ctx context.Context) error {
			batch, err := m.deps.Donors.FindUnmigratedBatch(ctx, rec.ID, m.batchSize)
			if err != nil {
				return fmt.Errorf("find unmigrated donors: %w", err)
			}
			size = len(batch)
			if size == 0 {
				return nil
			}
			for _, donor := range batch {
				if err := m.processDonor(ctx, rec, target, donor); err != nil {
					return err
				}
			}
			return m.checkpoint(ctx, rec)
		})
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}
		m.logger.Debug("migration batch checkpointed", "migrationId", rec.ID, "batch", size, "processed", rec.Stats.TotalProcessed)
	}
}

func (m *Manager) processDonor(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary, donor domain.Donor) error {
	start := time.Now()
	invalidBefore := rec.Stats.InvalidDocumentsCount
	err := m.migrateDonor(ctx, rec, target, donor)
	m.metrics.Observe(ctx, "migration.donor", err == nil && rec.Stats.InvalidDocumentsCount == invalidBefore, time.Since(start))
	return err
}

// migrateDonor revalidates one donor. Only the returned error halts the
// run; validation and storage problems for the donor are recorded on rec.
func (m *Manager) migrateDonor(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary, donor domain.Donor) error {
	from := donor.SchemaMetadata.LastValidSchemaVersion
	if from == "" {
		from = rec.FromVersion
	}
	var pair domain.VersionPairAnalysis
	if from != target.Version {
		var err error
		pair, err = m.analysisFor(ctx, rec, from, target.Version)
		if err != nil {
			return err
		}
	}

	check, err := m.validateDonor(ctx, target, donor, intersect(donor.EntityNames(), pair.InvalidatedEntities))
	if err != nil {
		return err
	}
	switch {
	case check.processingErr != nil:
		return m.recordProcessingError(ctx, rec, donor, check.processingErr)
	case len(check.entityErrors) > 0:
		return m.invalidate(ctx, rec, donor, check.entityErrors)
	default:
		coreChanged := len(intersect(donor.EntityNames(), pair.CoreChangedEntities)) > 0
		return m.validate(ctx, rec, target, donor, coreChanged)
	}
}

type donorCheck struct {
	entityErrors map[string][]dictionary.SchemaValidationError
	// processingErr is set when an entity could not be validated at all.
	processingErr error
}

// validateDonor runs the pool over the donor's affected entities. The error
// is only set when the pool itself was interrupted.
func (m *Manager) validateDonor(ctx context.Context, target dictionary.SchemaDictionary, donor domain.Donor, entities []string) (donorCheck, error) {
	var check donorCheck
	if len(entities) == 0 {
		return check, nil
	}
	jobs := make([]validation.Job, 0, len(entities))
	for _, entity := range entities {
		jobs = append(jobs, validation.Job{Entity: entity, Records: donor.RawRecords(entity)})
	}
	outcomes, err := m.pool.ProcessAll(ctx, target, jobs, validation.WithStages(m.stages...))
	if err != nil {
		return check, err
	}
	for _, o := range outcomes {
		if o.Err != nil {
			return donorCheck{processingErr: o.Err}, nil
		}
		if o.Result.HasErrors() {
			if check.entityErrors == nil {
				check.entityErrors = make(map[string][]dictionary.SchemaValidationError)
			}
			check.entityErrors[o.Entity] = o.Result.ValidationErrors
		}
	}
	return check, nil
}

func (m *Manager) invalidate(ctx context.Context, rec *domain.DictionaryMigration, donor domain.Donor, entityErrors map[string][]dictionary.SchemaValidationError) error {
	names := make([]string, 0, len(entityErrors))
	for name := range entityErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	report := donorError(donor)
	for _, name := range names {
		report.Errors = append(report.Errors, domain.EntityErrors{name: entityErrors[name]})
	}
	rec.Stats.TotalProcessed++
	rec.Stats.InvalidDocumentsCount++
	rec.AddProgram(donor.ProgramID)

	if rec.DryRun {
		rec.InvalidDonorsErrors = append(rec.InvalidDonorsErrors, report)
		return m.tag(ctx, rec, donor)
	}
	updated, err := m.deps.Donors.MarkInvalid(ctx, donor, rec.ID)
	if err != nil {
		report.ProcessingError = fmt.Sprintf("mark invalid: %v", err)
		rec.InvalidDonorsErrors = append(rec.InvalidDonorsErrors, report)
		return m.tag(ctx, rec, donor)
	}
	if _, err := m.deps.Stats.SetInvalidCoreStats(ctx, updated, names); err != nil {
		report.ProcessingError = fmt.Sprintf("set invalid core stats: %v", err)
	}
	rec.InvalidDonorsErrors = append(rec.InvalidDonorsErrors, report)
	return nil
}

// validate marks the donor valid under target. Stats are recomputed only
// when the donor was invalid, has none, or one of its entities changed core
// designation.
func (m *Manager) validate(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary, donor domain.Donor, coreChanged bool) error {
	needStats := !donor.SchemaMetadata.IsValid || donor.CompletionStats == nil || coreChanged
	if rec.DryRun {
		rec.Stats.TotalProcessed++
		rec.Stats.ValidDocumentsCount++
		if needStats {
			rec.AddProgram(donor.ProgramID)
		}
		return m.tag(ctx, rec, donor)
	}
	updated, err := m.deps.Donors.MarkValid(ctx, donor, rec.ID, target.Version)
	if err != nil {
		return m.recordProcessingError(ctx, rec, donor, fmt.Errorf("mark valid: %w", err))
	}
	rec.Stats.TotalProcessed++
	rec.Stats.ValidDocumentsCount++
	if !needStats {
		return nil
	}
	rec.AddProgram(donor.ProgramID)
	if _, err := m.deps.Stats.RecalculateFullStats(ctx, updated); err != nil {
		report := donorError(donor)
		report.ProcessingError = fmt.Sprintf("recalculate stats: %v", err)
		rec.InvalidDonorsErrors = append(rec.InvalidDonorsErrors, report)
	}
	return nil
}

// recordProcessingError counts the donor as invalid, records why it could
// not be processed and advances its cursor.
func (m *Manager) recordProcessingError(ctx context.Context, rec *domain.DictionaryMigration, donor domain.Donor, cause error) error {
	report := donorError(donor)
	report.ProcessingError = cause.Error()
	rec.InvalidDonorsErrors = append(rec.InvalidDonorsErrors, report)
	rec.Stats.TotalProcessed++
	rec.Stats.InvalidDocumentsCount++
	m.logger.Warn("donor processing failed", "migrationId", rec.ID, "donorId", donor.DonorID, "error", cause)
	return m.tag(ctx, rec, donor)
}

// tag advances the donor's cursor. Failure halts the run since the donor
// would otherwise be fetched again forever.
func (m *Manager) tag(ctx context.Context, rec *domain.DictionaryMigration, donor domain.Donor) error {
	if _, err := m.deps.Donors.TagMigrationIDOnly(ctx, donor, rec.ID); err != nil {
		return fmt.Errorf("tag donor %s: %w", donor.DonorID, err)
	}
	return nil
}

func donorError(donor domain.Donor) domain.DonorMigrationError {
	return domain.DonorMigrationError{
		DonorID:          donor.DonorID,
		SubmitterDonorID: donor.SubmitterID,
		ProgramID:        donor.ProgramID,
		Errors:           []domain.EntityErrors{},
	}
}

// intersect returns the members of names also in set, preserving order.
func intersect(names, set []string) []string {
	var out []string
	for _, n := range names {
		if slices.Contains(set, n) {
			out = append(out, n)
		}
	}
	return out
}
