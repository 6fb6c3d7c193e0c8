package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNoopImplementations(_ *testing.T) {
	l := NopLogger()
	l.Debug("d", "k", "v")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
	NopMetrics().Observe(context.Background(), "op", true, time.Millisecond)
	_, span := NopTracer().Start(context.Background(), "op")
	span.End(nil)
}

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).Named("migration")
	l.Info("batch checkpoint", "migrationId", "m-1", "valid", 3)
	l.Error("run failed", "err", "boom")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "batch checkpoint", entries[0].Message)
	assert.Equal(t, "migration", entries[0].LoggerName)
	assert.Equal(t, "m-1", entries[0].ContextMap()["migrationId"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestNewProductionLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewProductionLogger("loud")
	require.Error(t, err)
	l, err := NewProductionLogger("warn")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg, "test")
	require.NoError(t, err)
	rec.Observe(context.Background(), "submit", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "submit", false, 5*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.results.WithLabelValues("submit", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.results.WithLabelValues("submit", "error")))

	again, err := NewPrometheusRecorder(reg, "test")
	require.NoError(t, err)
	again.Observe(context.Background(), "submit", true, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.results.WithLabelValues("submit", "success")))
}

func TestOTelTracerEndsSpans(_ *testing.T) {
	tr := NewOTelTracer(noop.NewTracerProvider())
	_, span := tr.Start(context.Background(), "resume")
	span.End(errors.New("boom"))
	_, span = tr.Start(context.Background(), "resume")
	span.End(nil)
}

func TestSpanLogWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := NewSpanLog(&buf)
	ctx := WithMigrationID(context.Background(), "m-9")
	_, span := log.Start(ctx, "sweep")
	span.End(errors.New("db down"))
	span.End(nil)

	records := log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "m-9", records[0].MigrationID)
	assert.Equal(t, "error", records[0].Status)

	var decoded SpanRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "db down", decoded.Error)
}

func TestInstrumentRecordsOutcome(t *testing.T) {
	log := NewSpanLog(nil)
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg, "")
	require.NoError(t, err)

	want := errors.New("fail")
	got := Instrument(context.Background(), log, rec, "probe", func(context.Context) error { return want })
	assert.ErrorIs(t, got, want)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.results.WithLabelValues("probe", "error")))
	require.Len(t, log.Records(), 1)
}
