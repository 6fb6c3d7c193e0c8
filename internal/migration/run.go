package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicalcore/internal/dictsource"
	"clinicalcore/internal/observability"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

// prepare fetches the target dictionary and runs preflight. A missing or
// incompatible target closes the migration as FAILED.
func (m *Manager) prepare(ctx context.Context, rec *domain.DictionaryMigration) (dictionary.SchemaDictionary, error) {
	var target dictionary.SchemaDictionary
	err := observability.Instrument(ctx, m.tracer, m.metrics, "migration.preflight", func(ctx context.Context) error {
		var err error
		target, err = m.deps.Dictionaries.Fetch(ctx, rec.DictionaryName, rec.ToVersion)
		if errors.Is(err, dictsource.ErrDictionaryNotFound) {
			return m.reject(ctx, rec, nil, fmt.Errorf("target dictionary %s@%s: %w", rec.DictionaryName, rec.ToVersion, err))
		}
		if err != nil {
			return m.fail(ctx, rec, fmt.Errorf("fetch target dictionary: %w", err))
		}
		if problems := CheckPreflight(target, m.requirements); len(problems) > 0 {
			return m.reject(ctx, rec, problems, PreflightError{Version: rec.ToVersion, Errors: problems})
		}
		rec.Stage = domain.StageAnalyzed
		if err := m.checkpoint(ctx, rec); err != nil {
			return m.fail(ctx, rec, err)
		}
		return nil
	})
	return target, err
}

func (m *Manager) execute(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary) error {
	return observability.Instrument(ctx, m.tracer, m.metrics, "migration.run", func(ctx context.Context) error {
		return m.run(ctx, rec, target)
	})
}

func (m *Manager) run(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary) error {
	if err := m.setSubmissionsDisabled(ctx, true); err != nil {
		return m.fail(ctx, rec, err)
	}
	locked := true
	defer func() {
		if !locked {
			return
		}
		if err := m.setSubmissionsDisabled(context.WithoutCancel(ctx), false); err != nil {
			m.logger.Error("re-enable submissions failed", "migrationId", rec.ID, "error", err)
		}
	}()

	if err := sleep(ctx, m.settleDelay); err != nil {
		return m.fail(ctx, rec, err)
	}
	rec.Stage = domain.StageInProgress
	rec.Error = ""
	if err := m.checkpoint(ctx, rec); err != nil {
		return m.fail(ctx, rec, err)
	}
	if err := m.sweep(ctx, rec, target); err != nil {
		return m.fail(ctx, rec, err)
	}
	if err := m.revalidateSubmissions(ctx, rec, target); err != nil {
		return m.fail(ctx, rec, err)
	}
	if !rec.DryRun {
		if err := m.deps.Dictionaries.Swap(ctx, target); err != nil {
			return m.fail(ctx, rec, fmt.Errorf("swap dictionary: %w", err))
		}
	}

	locked = false
	if err := m.setSubmissionsDisabled(ctx, false); err != nil {
		return m.fail(ctx, rec, err)
	}
	rec.State = domain.MigrationClosed
	rec.Stage = domain.StageCompleted
	if err := m.checkpoint(ctx, rec); err != nil {
		return m.fail(ctx, rec, err)
	}
	m.logger.Info("migration completed", "migrationId", rec.ID,
		"processed", rec.Stats.TotalProcessed, "valid", rec.Stats.ValidDocumentsCount,
		"invalid", rec.Stats.InvalidDocumentsCount, "invalidSubmissions", len(rec.InvalidSubmissions), "dryRun", rec.DryRun)
	m.notify(ctx, rec)
	return nil
}

func (m *Manager) setSubmissionsDisabled(ctx context.Context, disabled bool) error {
	ok, err := m.deps.Lock.SetSubmissionsDisabled(ctx, disabled)
	if err != nil {
		return fmt.Errorf("set submissions disabled=%t: %w: %w", disabled, ErrSubmissionLock, err)
	}
	if !ok {
		return fmt.Errorf("set submissions disabled=%t: %w: flag not applied", disabled, ErrSubmissionLock)
	}
	return nil
}

func (m *Manager) checkpoint(ctx context.Context, rec *domain.DictionaryMigration) error {
	if err := m.deps.Log.Update(ctx, *rec); err != nil {
		return fmt.Errorf("checkpoint migration %s: %w", rec.ID, err)
	}
	return nil
}

// fail marks a structural failure. The record stays OPEN so the run can be
// resumed.
func (m *Manager) fail(ctx context.Context, rec *domain.DictionaryMigration, cause error) error {
	rec.State = domain.MigrationOpen
	rec.Stage = domain.StageFailed
	rec.Error = cause.Error()
	m.logger.Error("migration failed", "migrationId", rec.ID, "error", cause)
	if err := m.deps.Log.Update(context.WithoutCancel(ctx), *rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record migration failure: %w", err))
	}
	return cause
}

// reject closes the migration because the target dictionary cannot be
// adopted. No donor has been touched at this point.
func (m *Manager) reject(ctx context.Context, rec *domain.DictionaryMigration, problems []domain.SchemaIncompatibility, cause error) error {
	ctx = context.WithoutCancel(ctx)
	rec.State = domain.MigrationClosed
	rec.Stage = domain.StageFailed
	rec.NewSchemaErrors = problems
	rec.Error = cause.Error()
	m.logger.Warn("migration rejected", "migrationId", rec.ID, "to", rec.ToVersion, "error", cause)
	if err := m.setSubmissionsDisabled(ctx, false); err != nil {
		m.logger.Error("re-enable submissions failed", "migrationId", rec.ID, "error", err)
	}
	if err := m.deps.Log.Update(ctx, *rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record migration rejection: %w", err))
	}
	return cause
}

func (m *Manager) revalidateSubmissions(ctx context.Context, rec *domain.DictionaryMigration, target dictionary.SchemaDictionary) error {
	subs, err := m.deps.Submissions.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("find open submissions: %w", err)
	}
	for _, sub := range subs {
		if sub.State.Finalized() || rec.SubmissionChecked(sub.ID) {
			continue
		}
		out, err := m.deps.Submissions.Revalidate(ctx, sub, target, rec.ID, rec.DryRun)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			m.logger.Warn("submission revalidation failed", "migrationId", rec.ID, "submission", sub.ID, "error", err)
			continue
		}
		rec.CheckedSubmissions = append(rec.CheckedSubmissions, sub.Ref())
		if out.State == domain.SubmissionInvalidByMigration {
			rec.InvalidSubmissions = append(rec.InvalidSubmissions, sub.Ref())
		}
	}
	return m.checkpoint(ctx, rec)
}

// notify is best effort; failures are logged.
func (m *Manager) notify(ctx context.Context, rec *domain.DictionaryMigration) {
	if rec.DryRun {
		return
	}
	for _, program := range rec.ProgramsWithDonorUpdates {
		if err := m.deps.Notifier.NotifyProgramUpdated(ctx, program); err != nil {
			m.logger.Warn("program update notification failed", "migrationId", rec.ID, "programId", program, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
