package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinicalcore/pkg/domain"
)

// SubmissionStore holds active submissions keyed by id.
type SubmissionStore struct {
	mu          sync.RWMutex
	submissions map[string]domain.Submission
	now         func() time.Time
}

// NewSubmissionStore seeds the store.
func NewSubmissionStore(subs ...domain.Submission) *SubmissionStore {
	s := &SubmissionStore{submissions: make(map[string]domain.Submission, len(subs)), now: func() time.Time { return time.Now().UTC() }}
	for _, sub := range subs {
		s.submissions[sub.ID] = sub
	}
	return s
}

// Get returns the stored submission.
func (s *SubmissionStore) Get(id string) (domain.Submission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	return sub, ok
}

func (s *SubmissionStore) FindOpen(ctx context.Context) ([]domain.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SubmissionStore) Save(ctx context.Context, sub domain.Submission) (domain.Submission, error) {
	if err := ctx.Err(); err != nil {
		return domain.Submission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.UpdatedAt = s.now()
	s.submissions[sub.ID] = sub
	return sub, nil
}

// SubmissionLock is an in-process submissions-disabled flag.
type SubmissionLock struct {
	mu       sync.Mutex
	disabled bool
	history  []bool
}

// NewSubmissionLock returns an enabled (unlocked) flag.
func NewSubmissionLock() *SubmissionLock { return &SubmissionLock{} }

func (l *SubmissionLock) SetSubmissionsDisabled(ctx context.Context, disabled bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = disabled
	l.history = append(l.history, disabled)
	return true, nil
}

func (l *SubmissionLock) SubmissionsDisabled(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled, nil
}

// History returns every value the flag was set to, in order.
func (l *SubmissionLock) History() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.history...)
}
