package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicalcore/internal/changeanalysis"
	"clinicalcore/internal/dictsource"
	"clinicalcore/internal/infra/persistence/memory"
	"clinicalcore/internal/observability"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

func threeDonors() []domain.Donor {
	return []domain.Donor{
		donorWith("DO1", "PACA-CA", "Unknown", true, true),
		donorWith("DO2", "PACA-CA", "Alive", true, true),
		donorWith("DO3", "BRCA-US", "Alive", false, false),
	}
}

func openSubmissions() []domain.Submission {
	return []domain.Submission{
		{
			ID: "sub-1", ProgramID: "PACA-CA", State: domain.SubmissionOpen, DictionaryVersion: "1.0",
			ClinicalEntities: map[string]domain.SubmissionEntity{
				"donor": {Records: []dictionary.DataRecord{{"submitter_donor_id": "X1", "vital_status": "Unknown"}}},
			},
		},
		{
			ID: "sub-2", ProgramID: "BRCA-US", State: domain.SubmissionValid, DictionaryVersion: "1.0",
			ClinicalEntities: map[string]domain.SubmissionEntity{
				"donor": {Records: []dictionary.DataRecord{{"submitter_donor_id": "X2", "vital_status": "Alive"}}},
			},
		},
		{
			ID: "sub-3", ProgramID: "BRCA-US", State: domain.SubmissionInvalid, DictionaryVersion: "1.0",
			ClinicalEntities: map[string]domain.SubmissionEntity{
				"donor": {Records: []dictionary.DataRecord{{"submitter_donor_id": "X3", "vital_status": "Unknown"}}},
			},
		},
	}
}

func TestSubmitSyncMigratesDonorsAndSubmissions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	h.submissions = memory.NewSubmissionStore(openSubmissions()...)
	m := h.manager(t, WithBatchSize(2), WithIDGenerator(func() string { return "mig-1" }))

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Initiator: "curator@example.org", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, "mig-1", rec.ID)
	assert.Equal(t, dictName, rec.DictionaryName)
	assert.Equal(t, "1.0", rec.FromVersion)
	assert.Equal(t, domain.MigrationClosed, rec.State)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, domain.MigrationStats{TotalProcessed: 3, ValidDocumentsCount: 2, InvalidDocumentsCount: 1}, rec.Stats)
	assert.Equal(t, []string{"PACA-CA", "BRCA-US"}, rec.ProgramsWithDonorUpdates)

	require.Len(t, rec.InvalidDonorsErrors, 1)
	report := rec.InvalidDonorsErrors[0]
	assert.Equal(t, "DO1", report.DonorID)
	assert.Equal(t, "SUB-DO1", report.SubmitterDonorID)
	assert.Empty(t, report.ProcessingError)
	require.Len(t, report.Errors, 1)
	donorErrs := report.Errors[0]["donor"]
	require.Len(t, donorErrs, 1)
	assert.Equal(t, dictionary.ErrInvalidEnumValue, donorErrs[0].ErrorType)
	assert.Equal(t, "vital_status", donorErrs[0].FieldName)

	stored, err := m.Get(ctx, "mig-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Stats, stored.Stats)
	assert.Equal(t, domain.StageCompleted, stored.Stage)
	require.Len(t, stored.AnalysisCache, 1)
	assert.Equal(t, []string{"donor"}, stored.AnalysisCache[0].InvalidatedEntities)

	do1, _ := h.donors.Get("DO1")
	assert.False(t, do1.SchemaMetadata.IsValid)
	assert.Equal(t, "1.0", do1.SchemaMetadata.LastValidSchemaVersion)
	assert.Equal(t, "mig-1", do1.SchemaMetadata.LastMigrationID)
	require.NotNil(t, do1.CompletionStats)
	assert.Equal(t, []string{"donor"}, do1.CompletionStats.InvalidEntities)
	assert.Zero(t, do1.CompletionStats.CoreCompletion["donor"])

	do2, _ := h.donors.Get("DO2")
	assert.True(t, do2.SchemaMetadata.IsValid)
	assert.Equal(t, "2.0", do2.SchemaMetadata.LastValidSchemaVersion)
	assert.False(t, do2.CompletionStats.NeedsRecalculation)

	do3, _ := h.donors.Get("DO3")
	assert.True(t, do3.SchemaMetadata.IsValid)
	require.NotNil(t, do3.CompletionStats)
	assert.True(t, do3.CompletionStats.NeedsRecalculation)

	assert.Equal(t, []domain.SubmissionRef{{ID: "sub-1", ProgramID: "PACA-CA"}, {ID: "sub-2", ProgramID: "BRCA-US"}}, rec.CheckedSubmissions)
	assert.Equal(t, []domain.SubmissionRef{{ID: "sub-1", ProgramID: "PACA-CA"}}, rec.InvalidSubmissions)
	sub1, _ := h.submissions.Get("sub-1")
	assert.Equal(t, domain.SubmissionInvalidByMigration, sub1.State)
	assert.Equal(t, "mig-1", sub1.LastMigrationID)
	sub2, _ := h.submissions.Get("sub-2")
	assert.Equal(t, domain.SubmissionValid, sub2.State)
	assert.Equal(t, "2.0", sub2.DictionaryVersion)
	sub3, _ := h.submissions.Get("sub-3")
	assert.Empty(t, sub3.LastMigrationID)

	assert.Equal(t, "2.0", h.dicts.Version())
	assert.Equal(t, []bool{true, false}, h.lock.History())
	assert.Equal(t, []string{"PACA-CA", "BRCA-US"}, h.notifier.Programs())
	assert.Equal(t, 1, h.source.calls())
}

func TestDryRunLeavesDonorsAndDictionaryUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	h.submissions = memory.NewSubmissionStore(openSubmissions()...)
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", DryRun: true, Sync: true})
	require.NoError(t, err)
	assert.True(t, rec.DryRun)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, domain.MigrationStats{TotalProcessed: 3, ValidDocumentsCount: 2, InvalidDocumentsCount: 1}, rec.Stats)
	assert.Equal(t, []string{"PACA-CA", "BRCA-US"}, rec.ProgramsWithDonorUpdates)
	assert.Len(t, rec.InvalidSubmissions, 1)

	for _, before := range threeDonors() {
		after, ok := h.donors.Get(before.DonorID)
		require.True(t, ok)
		assert.Equal(t, rec.ID, after.SchemaMetadata.LastMigrationID)
		assert.Equal(t, before.SchemaMetadata.IsValid, after.SchemaMetadata.IsValid, before.DonorID)
		assert.Equal(t, before.SchemaMetadata.LastValidSchemaVersion, after.SchemaMetadata.LastValidSchemaVersion, before.DonorID)
		assert.Equal(t, before.CompletionStats, after.CompletionStats, before.DonorID)
	}
	sub1, _ := h.submissions.Get("sub-1")
	assert.Equal(t, domain.SubmissionOpen, sub1.State)
	assert.Equal(t, "1.0", h.dicts.Version())
	assert.Empty(t, h.notifier.Programs())
	assert.Equal(t, []bool{true, false}, h.lock.History())
}

func TestCheckpointsKeepTotalsConsistentAndResumeAfterFailure(t *testing.T) {
	ctx := context.Background()
	var donors []domain.Donor
	for i := 1; i <= 7; i++ {
		donors = append(donors, donorWith(fmt.Sprintf("DO%d", i), "PACA-CA", "Alive", true, true))
	}
	h := newHarness(t, donors...)
	// prepare, in progress, batch 1, then batch 2 fails.
	log := &flakyLog{MigrationLog: h.log, failAt: 4}
	deps := h.deps()
	deps.Log = log
	m, err := NewManager(deps, WithSettleDelay(0), WithRequirements(Requirements{}), WithBatchSize(3))
	require.NoError(t, err)

	_, err = m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	open, ok, err := h.log.FindOpen(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StageFailed, open.Stage)
	assert.Contains(t, open.Error, "disk full")
	assert.Equal(t, 6, open.Stats.TotalProcessed)
	assert.Equal(t, []bool{true, false}, h.lock.History())

	resumer, err := NewManager(deps, WithSettleDelay(0), WithRequirements(Requirements{}), WithBatchSize(3))
	require.NoError(t, err)
	rec, err := resumer.Resume(ctx, ResumeRequest{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, open.ID, rec.ID)
	assert.Equal(t, domain.MigrationClosed, rec.State)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Empty(t, rec.Error)
	assert.Equal(t, domain.MigrationStats{TotalProcessed: 7, ValidDocumentsCount: 7}, rec.Stats)
	// The analysis memoized on the record is reused by the second manager.
	assert.Equal(t, 1, h.source.calls())

	for _, snap := range log.snapshots() {
		assert.Equal(t, snap.Stats.TotalProcessed, snap.Stats.ValidDocumentsCount+snap.Stats.InvalidDocumentsCount)
	}
	for _, d := range h.donors.All() {
		assert.Equal(t, rec.ID, d.SchemaMetadata.LastMigrationID, d.DonorID)
		assert.Equal(t, "2.0", d.SchemaMetadata.LastValidSchemaVersion, d.DonorID)
	}

	_, err = resumer.Resume(ctx, ResumeRequest{Sync: true})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSingleOpenMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	m := h.manager(t, WithSettleDelay(time.Hour))

	first, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnalyzed, first.Stage)
	require.Eventually(t, func() bool { return len(h.lock.History()) == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = m.Submit(ctx, SubmitRequest{ToVersion: "2.0"})
	var conflict domain.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.OpenMigrationID)

	other := h.manager(t)
	_, err = other.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.ErrorIs(t, err, domain.ErrStateConflict)

	require.NoError(t, m.Close(ctx))
	interrupted, err := h.log.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationOpen, interrupted.State)
	assert.Equal(t, domain.StageFailed, interrupted.Stage)
	assert.Contains(t, interrupted.Error, context.Canceled.Error())
	assert.Equal(t, []bool{true, false}, h.lock.History())

	done, err := other.Resume(ctx, ResumeRequest{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, done.ID)
	assert.Equal(t, domain.StageCompleted, done.Stage)

	all, err := other.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDetachedRunCompletesOnWait(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(waitCtx))

	stored, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationClosed, stored.State)
	assert.Equal(t, domain.StageCompleted, stored.Stage)
	assert.Equal(t, 3, stored.Stats.TotalProcessed)

	closed, err := m.List(ctx, domain.MigrationClosed)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestResumeOverridesDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	log := &flakyLog{MigrationLog: h.log, failAt: 2}
	deps := h.deps()
	deps.Log = log
	m, err := NewManager(deps, WithSettleDelay(0), WithRequirements(Requirements{}))
	require.NoError(t, err)

	_, err = m.Submit(ctx, SubmitRequest{ToVersion: "2.0", DryRun: true, Sync: true})
	require.Error(t, err)

	live := false
	rec, err := m.Resume(ctx, ResumeRequest{DryRun: &live, Sync: true})
	require.NoError(t, err)
	assert.False(t, rec.DryRun)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, "2.0", h.dicts.Version())
}

func TestPreflightRejectsIncompatibleTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	m := h.manager(t, WithRequirements(DefaultRequirements()))

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.ErrorIs(t, err, ErrPreflightIncompatible)
	var pf PreflightError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "2.0", pf.Version)

	assert.Equal(t, domain.MigrationClosed, rec.State)
	assert.Equal(t, domain.StageFailed, rec.Stage)
	assert.Equal(t, []domain.SchemaIncompatibility{{Entity: domain.EntityTreatment, Reason: ReasonMissingSchema}}, rec.NewSchemaErrors)

	stored, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationClosed, stored.State)
	assert.NotEmpty(t, stored.NewSchemaErrors)

	for _, before := range threeDonors() {
		after, _ := h.donors.Get(before.DonorID)
		assert.Empty(t, after.SchemaMetadata.LastMigrationID)
	}
	assert.Equal(t, "1.0", h.dicts.Version())
	assert.Equal(t, 0, h.source.calls())

	_, ok, err := h.log.FindOpen(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissingTargetVersionClosesMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "9.9", Sync: true})
	require.ErrorIs(t, err, dictsource.ErrDictionaryNotFound)
	assert.Equal(t, domain.MigrationClosed, rec.State)
	assert.Equal(t, domain.StageFailed, rec.Stage)
	assert.Empty(t, rec.NewSchemaErrors)

	next, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, next.Stage)
}

func TestSubmitRequiresTargetVersion(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	_, err := m.Submit(context.Background(), SubmitRequest{})
	require.Error(t, err)
	all, err := m.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDonorWriteFailureIsRecordedAsProcessingError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	deps := h.deps()
	deps.Donors = brokenDonors{DonorStore: h.donors, failID: "DO2"}
	m, err := NewManager(deps, WithSettleDelay(0), WithRequirements(Requirements{}))
	require.NoError(t, err)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, domain.MigrationStats{TotalProcessed: 3, ValidDocumentsCount: 1, InvalidDocumentsCount: 2}, rec.Stats)

	var found bool
	for _, report := range rec.InvalidDonorsErrors {
		if report.DonorID == "DO2" {
			found = true
			assert.Contains(t, report.ProcessingError, "write conflict")
		}
	}
	assert.True(t, found)
	do2, _ := h.donors.Get("DO2")
	assert.Equal(t, rec.ID, do2.SchemaMetadata.LastMigrationID)
	assert.Equal(t, "1.0", do2.SchemaMetadata.LastValidSchemaVersion)
}

func TestRemovedSchemaIsAProcessingError(t *testing.T) {
	ctx := context.Background()
	donor := donorWith("DO1", "PACA-CA", "Alive", true, true)
	donor.ClinicalEntities["specimen"] = []map[string]any{{"submitter_specimen_id": "SP1", "tumour_normal_designation": "Tumour"}}
	h := newHarness(t, donor)
	v3 := vitalStatusDictionary("3.0", "Alive", "Deceased", "Not reported", "Unknown")
	v3.Schemas = v3.Schemas[:1]
	h.source.dicts["3.0"] = v3
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "3.0", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationStats{TotalProcessed: 1, InvalidDocumentsCount: 1}, rec.Stats)
	require.Len(t, rec.InvalidDonorsErrors, 1)
	assert.NotEmpty(t, rec.InvalidDonorsErrors[0].ProcessingError)
}

func TestFieldBecomingRequiredInvalidatesDonorsMissingIt(t *testing.T) {
	ctx := context.Background()
	missing := donorWith("DO1", "PACA-CA", "Alive", true, true)
	delete(missing.ClinicalEntities["donor"][0], "survival_time")
	h := newHarness(t, missing, donorWith("DO2", "PACA-CA", "Alive", true, true))
	v3 := vitalStatusDictionary("3.0", "Alive", "Deceased", "Not reported", "Unknown")
	v3.Schemas[0].Fields[2].Meta.Required = true
	h.source.dicts["3.0"] = v3
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "3.0", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, domain.MigrationStats{TotalProcessed: 2, ValidDocumentsCount: 1, InvalidDocumentsCount: 1}, rec.Stats)

	require.Len(t, rec.InvalidDonorsErrors, 1)
	assert.Equal(t, "DO1", rec.InvalidDonorsErrors[0].DonorID)
	require.Len(t, rec.InvalidDonorsErrors[0].Errors, 1)
	donorErrs := rec.InvalidDonorsErrors[0].Errors[0]["donor"]
	require.Len(t, donorErrs, 1)
	assert.Equal(t, dictionary.ErrMissingRequiredField, donorErrs[0].ErrorType)
	assert.Equal(t, "survival_time", donorErrs[0].FieldName)

	do1, _ := h.donors.Get("DO1")
	assert.False(t, do1.SchemaMetadata.IsValid)
	do2, _ := h.donors.Get("DO2")
	assert.True(t, do2.SchemaMetadata.IsValid)
	assert.Equal(t, "3.0", do2.SchemaMetadata.LastValidSchemaVersion)
}

func TestSubmissionWithRemovedEntityIsInvalidated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.submissions = memory.NewSubmissionStore(domain.Submission{
		ID: "s1", ProgramID: "PACA-CA", State: domain.SubmissionOpen, DictionaryVersion: "1.0",
		ClinicalEntities: map[string]domain.SubmissionEntity{
			"specimen": {Records: []dictionary.DataRecord{{"submitter_specimen_id": "SP1", "tumour_normal_designation": "Tumour"}}},
		},
	})
	v3 := vitalStatusDictionary("3.0", "Alive", "Deceased", "Not reported", "Unknown")
	v3.Schemas = v3.Schemas[:1]
	h.source.dicts["3.0"] = v3
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "3.0", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	ref := []domain.SubmissionRef{{ID: "s1", ProgramID: "PACA-CA"}}
	assert.Equal(t, ref, rec.CheckedSubmissions)
	assert.Equal(t, ref, rec.InvalidSubmissions)

	s1, ok := h.submissions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, domain.SubmissionInvalidByMigration, s1.State)
	assert.NotEmpty(t, s1.ClinicalEntities["specimen"].SchemaError)
}

func TestSubmissionLockRefusalFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	deps := h.deps()
	deps.Lock = refusingLock{}
	m, err := NewManager(deps, WithSettleDelay(0), WithRequirements(Requirements{}))
	require.NoError(t, err)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.ErrorIs(t, err, ErrSubmissionLock)
	assert.Equal(t, domain.MigrationOpen, rec.State)
	assert.Equal(t, domain.StageFailed, rec.Stage)
	for _, d := range h.donors.All() {
		assert.Empty(t, d.SchemaMetadata.LastMigrationID)
	}
}

func TestNotificationFailureDoesNotFailMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	h.notifier.Err = errors.New("broker down")
	m := h.manager(t)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0", Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Len(t, h.notifier.Programs(), 2)
}

// panicDonors panics on the first batch lookup.
type panicDonors struct {
	domain.DonorStore
}

func (panicDonors) FindUnmigratedBatch(context.Context, string, int) ([]domain.Donor, error) {
	panic("cursor exhausted")
}

func TestDetachedPanicIsRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeDonors()...)
	deps := h.deps()
	deps.Donors = panicDonors{DonorStore: h.donors}
	m, err := NewManager(deps, WithSettleDelay(0), WithRequirements(Requirements{}))
	require.NoError(t, err)

	rec, err := m.Submit(ctx, SubmitRequest{ToVersion: "2.0"})
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))

	stored, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationOpen, stored.State)
	assert.Equal(t, domain.StageFailed, stored.Stage)
	assert.Contains(t, stored.Error, "panic: cursor exhausted")
	assert.Equal(t, []bool{true, false}, h.lock.History())

	resumer := h.manager(t)
	done, err := resumer.Resume(ctx, ResumeRequest{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, done.Stage)
}

func TestProbeReportsBreakingChanges(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)

	res, err := m.Probe(context.Background(), "", "2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0", res.FromVersion)
	assert.Equal(t, dictName, res.DictionaryName)
	assert.Equal(t, []string{"donor"}, res.InvalidatedEntities)
	assert.Empty(t, res.CoreChangedEntities)
	require.Len(t, res.InvalidatingChanges, 1)
	assert.Equal(t, "donor.vital_status", res.InvalidatingChanges[0].FieldPath)
	assert.Equal(t, changeanalysis.CodeListUpdated, res.InvalidatingChanges[0].Type)

	all, err := m.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

type countingMetrics struct {
	mu  sync.Mutex
	ops map[string]int
}

func (c *countingMetrics) Observe(_ context.Context, op string, _ bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ops == nil {
		c.ops = make(map[string]int)
	}
	c.ops[op]++
}

func TestRunIsTracedAndMeasured(t *testing.T) {
	h := newHarness(t, threeDonors()...)
	spans := observability.NewSpanLog(nil)
	metrics := &countingMetrics{}
	m := h.manager(t, WithTracer(spans), WithMetrics(metrics), WithBatchSize(2), WithIDGenerator(func() string { return "traced" }))

	_, err := m.Submit(context.Background(), SubmitRequest{ToVersion: "2.0", Sync: true})
	require.NoError(t, err)

	ops := make(map[string]int)
	for _, rec := range spans.Records() {
		assert.Equal(t, "traced", rec.MigrationID)
		assert.Equal(t, "ok", rec.Status)
		ops[rec.Operation]++
	}
	assert.Equal(t, 1, ops["migration.preflight"])
	assert.Equal(t, 1, ops["migration.run"])
	// Two batches and the final empty lookup.
	assert.Equal(t, 3, ops["migration.batch"])
	assert.Equal(t, 3, metrics.ops["migration.donor"])
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	_, err := NewManager(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Log")
	assert.Contains(t, err.Error(), "Submissions")

	h := newHarness(t)
	deps := h.deps()
	deps.Notifier = nil
	_, err = NewManager(deps)
	require.NoError(t, err)
}
