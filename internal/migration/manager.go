// Package migration runs dictionary migrations: it checks the target
// dictionary, freezes submissions, sweeps every donor document in
// checkpointed batches, revalidates open submissions and finally swaps the
// active dictionary.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"clinicalcore/internal/changeanalysis"
	"clinicalcore/internal/messaging"
	"clinicalcore/internal/observability"
	"clinicalcore/internal/validation"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

const (
	defaultBatchSize   = 20
	defaultSettleDelay = 2 * time.Second
	defaultCacheSize   = 16
)

// DictionaryStore holds the active dictionary.
type DictionaryStore interface {
	Current() (dictionary.SchemaDictionary, error)
	Fetch(ctx context.Context, name, version string) (dictionary.SchemaDictionary, error)
	Swap(ctx context.Context, dict dictionary.SchemaDictionary) error
}

// DiffSource returns the raw diff between two dictionary versions.
type DiffSource interface {
	FetchDiff(ctx context.Context, name, fromVersion, toVersion string) (changeanalysis.Diffs, error)
}

// StatsCalculator maintains donor completion stats.
type StatsCalculator interface {
	RecalculateFullStats(ctx context.Context, d domain.Donor) (domain.Donor, error)
	SetInvalidCoreStats(ctx context.Context, d domain.Donor, invalidEntities []string) (domain.Donor, error)
}

// SubmissionRevalidator finds and revalidates open submissions.
type SubmissionRevalidator interface {
	FindOpen(ctx context.Context) ([]domain.Submission, error)
	Revalidate(ctx context.Context, sub domain.Submission, dict dictionary.SchemaDictionary, migrationID string, dryRun bool) (domain.Submission, error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Log          domain.MigrationLog
	Donors       domain.DonorStore
	Lock         domain.SubmissionLock
	Dictionaries DictionaryStore
	Diffs        DiffSource
	Stats        StatsCalculator
	Submissions  SubmissionRevalidator
	Notifier     messaging.Notifier
}

func (d Deps) validate() error {
	var missing []string
	if d.Log == nil {
		missing = append(missing, "Log")
	}
	if d.Donors == nil {
		missing = append(missing, "Donors")
	}
	if d.Lock == nil {
		missing = append(missing, "Lock")
	}
	if d.Dictionaries == nil {
		missing = append(missing, "Dictionaries")
	}
	if d.Diffs == nil {
		missing = append(missing, "Diffs")
	}
	if d.Stats == nil {
		missing = append(missing, "Stats")
	}
	if d.Submissions == nil {
		missing = append(missing, "Submissions")
	}
	if len(missing) > 0 {
		return fmt.Errorf("migration manager: missing collaborators: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r observability.MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t observability.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithBatchSize sets how many donors are processed per checkpoint.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithSettleDelay sets the pause between freezing submissions and the
// sweep. Zero disables it.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

// WithCacheSize bounds the version-pair analysis cache.
func WithCacheSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cacheSize = n
		}
	}
}

// WithPool sets the validation worker pool.
func WithPool(p *validation.Pool) Option {
	return func(m *Manager) {
		if p != nil {
			m.pool = p
		}
	}
}

// WithStages overrides the validation stages used for donors (default
// RestrictionStages).
func WithStages(stages ...validation.Stage) Option {
	return func(m *Manager) {
		if len(stages) > 0 {
			m.stages = append([]validation.Stage(nil), stages...)
		}
	}
}

// WithRequirements overrides the preflight requirements.
func WithRequirements(req Requirements) Option {
	return func(m *Manager) {
		m.requirements = req
	}
}

// WithIDGenerator overrides migration id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// Manager coordinates migrations. At most one migration is OPEN at a time;
// the migration log enforces that across processes and the manager refuses
// to run the same record twice within a process.
type Manager struct {
	deps         Deps
	logger       observability.Logger
	metrics      observability.MetricsRecorder
	tracer       observability.Tracer
	pool         *validation.Pool
	stages       []validation.Stage
	requirements Requirements
	batchSize    int
	settleDelay  time.Duration
	cacheSize    int
	newID        func() string
	cache        *lru.Cache[string, domain.VersionPairAnalysis]

	mu     sync.Mutex
	active string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a manager. Notifier defaults to a log notifier.
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:         deps,
		logger:       observability.NopLogger(),
		metrics:      observability.NopMetrics(),
		tracer:       observability.NopTracer(),
		stages:       validation.RestrictionStages(),
		requirements: DefaultRequirements(),
		batchSize:    defaultBatchSize,
		settleDelay:  defaultSettleDelay,
		cacheSize:    defaultCacheSize,
		newID:        uuid.NewString,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = validation.NewPool(nil, 0)
	}
	if m.deps.Notifier == nil {
		m.deps.Notifier = messaging.NewLogNotifier(m.logger, "")
	}
	cache, err := lru.New[string, domain.VersionPairAnalysis](m.cacheSize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("migration manager: analysis cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// SubmitRequest asks for a migration to ToVersion. FromVersion defaults to
// the active dictionary version.
type SubmitRequest struct {
	FromVersion string
	ToVersion   string
	Initiator   string
	DryRun      bool
	// Sync blocks until the sweep finishes; otherwise the run is detached
	// once preflight passes.
	Sync bool
}

// ResumeRequest continues the OPEN migration. A nil DryRun keeps the
// record's own flag.
type ResumeRequest struct {
	DryRun *bool
	Sync   bool
}

// Submit creates and starts a migration. It returns a StateConflictError
// when another migration is OPEN and a PreflightError when the target
// dictionary is rejected.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (domain.DictionaryMigration, error) {
	if strings.TrimSpace(req.ToVersion) == "" {
		return domain.DictionaryMigration{}, errors.New("target version required")
	}
	current, err := m.deps.Dictionaries.Current()
	if err != nil {
		return domain.DictionaryMigration{}, fmt.Errorf("submit migration: %w", err)
	}
	from := req.FromVersion
	if from == "" {
		from = current.Version
	}
	rec := domain.DictionaryMigration{
		ID:                       m.newID(),
		DictionaryName:           current.Name,
		FromVersion:              from,
		ToVersion:                req.ToVersion,
		State:                    domain.MigrationOpen,
		Stage:                    domain.StageSubmitted,
		DryRun:                   req.DryRun,
		CreatedBy:                req.Initiator,
		InvalidDonorsErrors:      []domain.DonorMigrationError{},
		CheckedSubmissions:       []domain.SubmissionRef{},
		InvalidSubmissions:       []domain.SubmissionRef{},
		ProgramsWithDonorUpdates: []string{},
	}
	if running, ok := m.claim(rec.ID); !ok {
		return domain.DictionaryMigration{}, domain.StateConflictError{OpenMigrationID: running}
	}
	created, err := m.deps.Log.Create(ctx, rec)
	if err != nil {
		m.release(rec.ID)
		return domain.DictionaryMigration{}, err
	}
	m.logger.Info("migration submitted", "migrationId", created.ID, "from", created.FromVersion, "to", created.ToVersion, "dryRun", created.DryRun, "by", created.CreatedBy)
	return m.start(ctx, created, req.Sync)
}

// Resume continues the OPEN migration from its last checkpoint. It returns
// a NotFoundError when no migration is OPEN.
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (domain.DictionaryMigration, error) {
	rec, ok, err := m.deps.Log.FindOpen(ctx)
	if err != nil {
		return domain.DictionaryMigration{}, fmt.Errorf("resume migration: %w", err)
	}
	if !ok {
		return domain.DictionaryMigration{}, domain.NotFoundError{Entity: "open migration"}
	}
	if running, ok := m.claim(rec.ID); !ok {
		return rec, domain.StateConflictError{OpenMigrationID: running}
	}
	if req.DryRun != nil {
		rec.DryRun = *req.DryRun
	}
	m.logger.Info("migration resumed", "migrationId", rec.ID, "stage", rec.Stage, "processed", rec.Stats.TotalProcessed, "dryRun", rec.DryRun)
	return m.start(ctx, rec, req.Sync)
}

// Get returns a migration record by id.
func (m *Manager) Get(ctx context.Context, id string) (domain.DictionaryMigration, error) {
	return m.deps.Log.Get(ctx, id)
}

// List returns migration records in creation order, optionally filtered by
// state.
func (m *Manager) List(ctx context.Context, state domain.MigrationState) ([]domain.DictionaryMigration, error) {
	return m.deps.Log.List(ctx, state)
}

// Wait blocks until detached runs finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels detached runs and waits for them to stop. Interrupted runs
// stay OPEN and can be resumed.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	return m.Wait(ctx)
}

// claim marks id as running in this process. It fails with the running id
// when another run is active.
func (m *Manager) claim(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return m.active, false
	}
	m.active = id
	return "", true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()
}

// start prepares the target dictionary, then runs inline or detached. The
// caller must hold the claim for rec.ID.
func (m *Manager) start(ctx context.Context, rec domain.DictionaryMigration, wait bool) (domain.DictionaryMigration, error) {
	ctx = observability.WithMigrationID(ctx, rec.ID)
	target, err := m.prepare(ctx, &rec)
	if err != nil {
		m.release(rec.ID)
		return rec, err
	}
	if wait {
		defer m.release(rec.ID)
		err := m.execute(ctx, &rec, target)
		return rec, err
	}
	m.spawn(rec, target)
	return rec, nil
}

func (m *Manager) spawn(rec domain.DictionaryMigration, target dictionary.SchemaDictionary) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(rec.ID)
		ctx := observability.WithMigrationID(m.ctx, rec.ID)
		defer func() {
			if r := recover(); r != nil {
				m.recoverPanic(ctx, rec.ID, r)
			}
		}()
		if err := m.execute(ctx, &rec, target); err != nil {
			m.logger.Error("detached migration stopped", "migrationId", rec.ID, "error", err)
		}
	}()
}

// recoverPanic records a panic on the last checkpointed record.
func (m *Manager) recoverPanic(ctx context.Context, id string, r any) {
	ctx = context.WithoutCancel(ctx)
	m.logger.Error("migration panicked", "migrationId", id, "panic", r)
	rec, err := m.deps.Log.Get(ctx, id)
	if err != nil {
		m.logger.Error("load migration after panic failed", "migrationId", id, "error", err)
		return
	}
	rec.Stage = domain.StageFailed
	rec.Error = fmt.Sprintf("panic: %v", r)
	if err := m.deps.Log.Update(ctx, rec); err != nil {
		m.logger.Error("record migration panic failed", "migrationId", id, "error", err)
	}
}
