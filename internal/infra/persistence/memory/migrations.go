// Package memory provides in-memory implementations of the domain storage
// contracts for tests and ephemeral runs.
package memory

import (
	"context"
	"sync"
	"time"

	"clinicalcore/pkg/domain"
)

var (
	_ domain.MigrationLog    = (*MigrationLog)(nil)
	_ domain.DonorStore      = (*DonorStore)(nil)
	_ domain.SubmissionStore = (*SubmissionStore)(nil)
	_ domain.SubmissionLock  = (*SubmissionLock)(nil)
)

// MigrationLog keeps migration records in creation order.
type MigrationLog struct {
	mu      sync.RWMutex
	records map[string]domain.DictionaryMigration
	order   []string
	now     func() time.Time
}

// NewMigrationLog returns an empty log.
func NewMigrationLog() *MigrationLog {
	return &MigrationLog{records: make(map[string]domain.DictionaryMigration), now: func() time.Time { return time.Now().UTC() }}
}

func (l *MigrationLog) openIDExcept(id string) string {
	for _, rid := range l.order {
		if rid != id && l.records[rid].State == domain.MigrationOpen {
			return rid
		}
	}
	return ""
}

func (l *MigrationLog) Create(ctx context.Context, m domain.DictionaryMigration) (domain.DictionaryMigration, error) {
	if err := ctx.Err(); err != nil {
		return domain.DictionaryMigration{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.records[m.ID]; exists {
		return domain.DictionaryMigration{}, domain.StateConflictError{OpenMigrationID: m.ID}
	}
	if m.State == domain.MigrationOpen {
		if open := l.openIDExcept(m.ID); open != "" {
			return domain.DictionaryMigration{}, domain.StateConflictError{OpenMigrationID: open}
		}
	}
	now := l.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	l.records[m.ID] = m
	l.order = append(l.order, m.ID)
	return m, nil
}

func (l *MigrationLog) Update(ctx context.Context, m domain.DictionaryMigration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[m.ID]; !ok {
		return domain.NotFoundError{Entity: "migration", ID: m.ID}
	}
	if m.State == domain.MigrationOpen {
		if open := l.openIDExcept(m.ID); open != "" {
			return domain.StateConflictError{OpenMigrationID: open}
		}
	}
	m.UpdatedAt = l.now()
	l.records[m.ID] = m
	return nil
}

func (l *MigrationLog) Get(_ context.Context, id string) (domain.DictionaryMigration, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.records[id]
	if !ok {
		return domain.DictionaryMigration{}, domain.NotFoundError{Entity: "migration", ID: id}
	}
	return m, nil
}

func (l *MigrationLog) FindOpen(_ context.Context) (domain.DictionaryMigration, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id := l.openIDExcept(""); id != "" {
		return l.records[id], true, nil
	}
	return domain.DictionaryMigration{}, false, nil
}

func (l *MigrationLog) List(_ context.Context, state domain.MigrationState) ([]domain.DictionaryMigration, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.DictionaryMigration, 0, len(l.order))
	for _, id := range l.order {
		m := l.records[id]
		if state == "" || m.State == state {
			out = append(out, m)
		}
	}
	return out, nil
}
