// Package submission revalidates active clinical submissions against a new
// dictionary version.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"clinicalcore/internal/observability"
	"clinicalcore/internal/validation"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

// Service finds and revalidates open submissions.
type Service struct {
	store  domain.SubmissionStore
	pool   *validation.Pool
	stages []validation.Stage
	logger observability.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStages overrides the validation stages (default RestrictionStages).
func WithStages(stages ...validation.Stage) Option {
	return func(s *Service) {
		if len(stages) > 0 {
			s.stages = append([]validation.Stage(nil), stages...)
		}
	}
}

// NewService wires the submission store and a validation pool.
func NewService(store domain.SubmissionStore, pool *validation.Pool, opts ...Option) *Service {
	if pool == nil {
		pool = validation.NewPool(nil, 0)
	}
	s := &Service{
		store:  store,
		pool:   pool,
		stages: validation.RestrictionStages(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindOpen returns the active submissions.
func (s *Service) FindOpen(ctx context.Context) ([]domain.Submission, error) {
	return s.store.FindOpen(ctx)
}

// Revalidate reruns validation for every entity of sub against dict. A
// submission with errors, or with an entity dict no longer defines, moves to
// INVALID_BY_MIGRATION with the errors attached; a clean one keeps its state and adopts dict's version. The
// result is saved unless dryRun is set.
func (s *Service) Revalidate(ctx context.Context, sub domain.Submission, dict dictionary.SchemaDictionary, migrationID string, dryRun bool) (domain.Submission, error) {
	names := make([]string, 0, len(sub.ClinicalEntities))
	for name := range sub.ClinicalEntities {
		names = append(names, name)
	}
	sort.Strings(names)

	jobs := make([]validation.Job, 0, len(names))
	for _, name := range names {
		jobs = append(jobs, validation.Job{Entity: name, Records: sub.ClinicalEntities[name].Records})
	}
	outcomes, err := s.pool.ProcessAll(ctx, dict, jobs, validation.WithStages(s.stages...))
	if err != nil {
		return sub, err
	}

	out := sub
	out.ClinicalEntities = make(map[string]domain.SubmissionEntity, len(sub.ClinicalEntities))
	invalid := false
	for _, o := range outcomes {
		entity := sub.ClinicalEntities[o.Entity]
		entity.SchemaError = ""
		switch {
		case errors.Is(o.Err, validation.ErrSchemaNotFound):
			entity.DataErrors = nil
			entity.SchemaError = o.Err.Error()
			invalid = true
		case o.Err != nil:
			return sub, fmt.Errorf("revalidate submission %s: %w", sub.ID, o.Err)
		default:
			entity.DataErrors = o.Result.ValidationErrors
			if o.Result.HasErrors() {
				invalid = true
			}
		}
		out.ClinicalEntities[o.Entity] = entity
	}
	out.LastMigrationID = migrationID
	if invalid {
		out.State = domain.SubmissionInvalidByMigration
	} else {
		out.DictionaryVersion = dict.Version
	}
	s.logger.Debug("submission revalidated", "submission", sub.ID, "program", sub.ProgramID, "invalid", invalid, "dryRun", dryRun)
	if dryRun {
		return out, nil
	}
	saved, err := s.store.Save(ctx, out)
	if err != nil {
		return sub, fmt.Errorf("save submission %s: %w", sub.ID, err)
	}
	return saved, nil
}
