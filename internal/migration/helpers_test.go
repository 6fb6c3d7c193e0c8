package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"clinicalcore/internal/blob"
	"clinicalcore/internal/changeanalysis"
	"clinicalcore/internal/dictsource"
	"clinicalcore/internal/dictstore"
	"clinicalcore/internal/infra/persistence/memory"
	"clinicalcore/internal/messaging"
	"clinicalcore/internal/stats"
	"clinicalcore/internal/submission"
	"clinicalcore/internal/validation"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

const dictName = "ARGO Clinical Submission"

func vitalStatusDictionary(version string, codes ...string) dictionary.SchemaDictionary {
	return dictionary.SchemaDictionary{
		Name:    dictName,
		Version: version,
		Schemas: []dictionary.SchemaDefinition{
			{
				Name: "donor",
				Fields: []dictionary.FieldDefinition{
					{Name: "submitter_donor_id", ValueType: dictionary.ValueTypeString, Restrictions: dictionary.Restrictions{Required: true}},
					{Name: "vital_status", ValueType: dictionary.ValueTypeString, Meta: dictionary.FieldMeta{Core: true}, Restrictions: dictionary.Restrictions{Required: true, CodeList: codes}},
					{Name: "survival_time", ValueType: dictionary.ValueTypeInteger},
				},
			},
			{
				Name: "specimen",
				Fields: []dictionary.FieldDefinition{
					{Name: "submitter_specimen_id", ValueType: dictionary.ValueTypeString, Restrictions: dictionary.Restrictions{Required: true}},
					{Name: "tumour_normal_designation", ValueType: dictionary.ValueTypeString, Restrictions: dictionary.Restrictions{CodeList: dictionary.CodeList{"Normal", "Tumour"}}},
				},
			},
		},
	}
}

// fakeSource serves dictionaries by version and computes diffs locally.
type fakeSource struct {
	mu        sync.Mutex
	dicts     map[string]dictionary.SchemaDictionary
	diffCalls int
	diffErr   error
}

func newFakeSource(dicts ...dictionary.SchemaDictionary) *fakeSource {
	s := &fakeSource{dicts: make(map[string]dictionary.SchemaDictionary)}
	for _, d := range dicts {
		s.dicts[d.Version] = d
	}
	return s
}

func (s *fakeSource) FetchDictionary(_ context.Context, name, version string) (dictionary.SchemaDictionary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dicts[version]
	if !ok {
		return dictionary.SchemaDictionary{}, fmt.Errorf("%s@%s: %w", name, version, dictsource.ErrDictionaryNotFound)
	}
	return d, nil
}

func (s *fakeSource) FetchDiff(_ context.Context, _, from, to string) (changeanalysis.Diffs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diffCalls++
	if s.diffErr != nil {
		return nil, s.diffErr
	}
	return changeanalysis.Compute(s.dicts[from], s.dicts[to])
}

func (s *fakeSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diffCalls
}

func donorWith(id, program, vitalStatus string, valid bool, withStats bool) domain.Donor {
	d := domain.Donor{
		DonorID:     id,
		SubmitterID: "SUB-" + id,
		ProgramID:   program,
		SchemaMetadata: domain.SchemaMetadata{
			IsValid:                valid,
			LastValidSchemaVersion: "1.0",
			OriginalSchemaVersion:  "1.0",
		},
		ClinicalEntities: map[string][]map[string]any{
			"donor": {{"submitter_donor_id": "SUB-" + id, "vital_status": vitalStatus, "survival_time": int64(120)}},
		},
	}
	if withStats {
		d.CompletionStats = &domain.CompletionStats{
			CoreCompletion:           map[string]float64{"donor": 1},
			CoreCompletionPercentage: 0.2,
		}
	}
	return d
}

type harness struct {
	log         *memory.MigrationLog
	donors      *memory.DonorStore
	lock        *memory.SubmissionLock
	submissions *memory.SubmissionStore
	source      *fakeSource
	dicts       *dictstore.Store
	notifier    *messaging.Recorder
}

func newHarness(t *testing.T, donors ...domain.Donor) *harness {
	t.Helper()
	h := &harness{
		log:         memory.NewMigrationLog(),
		donors:      memory.NewDonorStore(donors...),
		lock:        memory.NewSubmissionLock(),
		submissions: memory.NewSubmissionStore(),
		source: newFakeSource(
			vitalStatusDictionary("1.0", "Alive", "Deceased", "Not reported", "Unknown"),
			vitalStatusDictionary("2.0", "Alive", "Deceased", "Not reported"),
		),
		notifier: &messaging.Recorder{},
	}
	h.dicts = dictstore.New(h.source, blob.NewMemory())
	_, err := h.dicts.Load(context.Background(), dictName, "1.0")
	require.NoError(t, err)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Log:          h.log,
		Donors:       h.donors,
		Lock:         h.lock,
		Dictionaries: h.dicts,
		Diffs:        h.source,
		Stats:        stats.NewDeferred(h.donors),
		Submissions:  submission.NewService(h.submissions, validation.NewPool(nil, 2)),
		Notifier:     h.notifier,
	}
}

func (h *harness) manager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithSettleDelay(0),
		WithRequirements(Requirements{}),
		WithPool(validation.NewPool(nil, 2)),
	}
	m, err := NewManager(h.deps(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// flakyLog fails the n-th Update call (1-based) once.
type flakyLog struct {
	*memory.MigrationLog
	mu      sync.Mutex
	updates int
	failAt  int
	history []domain.DictionaryMigration
}

func (l *flakyLog) Update(ctx context.Context, m domain.DictionaryMigration) error {
	l.mu.Lock()
	l.updates++
	n := l.updates
	l.history = append(l.history, m)
	l.mu.Unlock()
	if n == l.failAt {
		return errors.New("disk full")
	}
	return l.MigrationLog.Update(ctx, m)
}

func (l *flakyLog) snapshots() []domain.DictionaryMigration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DictionaryMigration(nil), l.history...)
}

// brokenDonors fails MarkValid for one donor id.
type brokenDonors struct {
	*memory.DonorStore
	failID string
}

func (b brokenDonors) MarkValid(ctx context.Context, d domain.Donor, migrationID, version string) (domain.Donor, error) {
	if d.DonorID == b.failID {
		return domain.Donor{}, errors.New("write conflict")
	}
	return b.DonorStore.MarkValid(ctx, d, migrationID, version)
}

// refusingLock reports the flag as not applied.
type refusingLock struct{}

func (refusingLock) SetSubmissionsDisabled(context.Context, bool) (bool, error) { return false, nil }
func (refusingLock) SubmissionsDisabled(context.Context) (bool, error)          { return false, nil }
