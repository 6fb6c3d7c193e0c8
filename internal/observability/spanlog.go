package observability

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// SpanRecord is one finished span as written by SpanLog.
type SpanRecord struct {
	Operation   string    `json:"operation"`
	MigrationID string    `json:"migrationId,omitempty"`
	Status      string    `json:"status"`
	DurationMS  float64   `json:"durationMs"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

type migrationIDKey struct{}

// WithMigrationID tags ctx so spans opened under it carry the migration id.
func WithMigrationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, migrationIDKey{}, id)
}

// MigrationIDFrom returns the migration id stored by WithMigrationID.
func MigrationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(migrationIDKey{}).(string)
	return id
}

// SpanLog is a Tracer that appends finished spans as JSON lines to a writer
// and keeps them for inspection. It serves the CLI's --trace-file flag when
// no collector is available.
type SpanLog struct {
	mu      sync.Mutex
	records []SpanRecord
	enc     *json.Encoder
	now     func() time.Time
}

// NewSpanLog writes to w; a nil writer only retains records.
func NewSpanLog(w io.Writer) *SpanLog {
	s := &SpanLog{now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		s.enc = json.NewEncoder(w)
	}
	return s
}

// Records returns a copy of the finished spans.
func (s *SpanLog) Records() []SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpanRecord(nil), s.records...)
}

// Start implements Tracer.
func (s *SpanLog) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &logSpan{
		log:         s,
		operation:   operation,
		migrationID: MigrationIDFrom(ctx),
		started:     s.now(),
	}
}

type logSpan struct {
	log         *SpanLog
	operation   string
	migrationID string
	started     time.Time
	once        sync.Once
}

func (sp *logSpan) End(err error) {
	sp.once.Do(func() {
		rec := SpanRecord{
			Operation:   sp.operation,
			MigrationID: sp.migrationID,
			Status:      "ok",
			DurationMS:  float64(sp.log.now().Sub(sp.started)) / float64(time.Millisecond),
			StartedAt:   sp.started,
		}
		if err != nil {
			rec.Status = "error"
			rec.Error = err.Error()
		}
		sp.log.mu.Lock()
		defer sp.log.mu.Unlock()
		sp.log.records = append(sp.log.records, rec)
		if sp.log.enc != nil {
			_ = sp.log.enc.Encode(rec)
		}
	})
}
