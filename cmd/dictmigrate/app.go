package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clinicalcore/internal/blob"
	"clinicalcore/internal/config"
	"clinicalcore/internal/dictsource"
	"clinicalcore/internal/dictstore"
	"clinicalcore/internal/infra/persistence"
	"clinicalcore/internal/messaging"
	"clinicalcore/internal/migration"
	"clinicalcore/internal/observability"
	"clinicalcore/internal/stats"
	"clinicalcore/internal/submission"
	"clinicalcore/internal/validation"
)

const shutdownTimeout = 10 * time.Second

// app owns every collaborator opened for one command invocation.
type app struct {
	logger  *observability.ZapLogger
	manager *migration.Manager
	closers []func(context.Context) error
}

// openApp wires the manager from cfg. traceFile, when set, receives one JSON
// line per finished span instead of the global OpenTelemetry provider.
func openApp(ctx context.Context, cfg config.Config, traceFile string) (a *app, err error) {
	logger, err := observability.NewProductionLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewPrometheusRecorder(registry, "clinicalcore")
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr, registry)
	}

	var tracer observability.Tracer = observability.NewOTelTracer(nil)
	if traceFile != "" {
		f, err := os.Create(traceFile) // #nosec G304 -- operator supplied path.
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return f.Close() })
		tracer = observability.NewSpanLog(f)
	}

	source, err := openSource(cfg.Dictionary, logger)
	if err != nil {
		return nil, err
	}
	archive, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	dicts := dictstore.New(source, archive, dictstore.WithLogger(logger.Named("dictionary")))
	if err := loadDictionary(ctx, dicts, cfg.Dictionary); err != nil {
		return nil, err
	}

	log, err := persistence.OpenMigrationLog(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open migration log: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return log.Close() })
	docs, err := persistence.OpenDocuments(ctx, cfg.Documents)
	if err != nil {
		return nil, fmt.Errorf("open documents: %w", err)
	}
	a.closers = append(a.closers, docs.Close)

	pool := validation.NewPool(nil, cfg.Migration.Workers)
	manager, err := migration.NewManager(migration.Deps{
		Log:          log,
		Donors:       docs.Donors,
		Lock:         docs.Lock,
		Dictionaries: dicts,
		Diffs:        source,
		Stats:        stats.NewDeferred(docs.Donors),
		Submissions:  submission.NewService(docs.Submissions, pool, submission.WithLogger(logger.Named("submission"))),
		Notifier:     messaging.NewLogNotifier(logger.Named("notify"), cfg.Notify.Topic),
	},
		migration.WithLogger(logger.Named("migration")),
		migration.WithMetrics(metrics),
		migration.WithTracer(tracer),
		migration.WithPool(pool),
		migration.WithBatchSize(cfg.Migration.BatchSize),
		migration.WithSettleDelay(cfg.Migration.SettleDelay),
		migration.WithCacheSize(cfg.Migration.CacheSize),
		migration.WithRequirements(cfg.Migration.PreflightRequirements()),
	)
	if err != nil {
		return nil, err
	}
	a.manager = manager
	// Closed first, while the stores are still open.
	a.closers = append(a.closers, manager.Close)
	return a, nil
}

func openSource(cfg config.DictionaryConfig, logger observability.Logger) (dictsource.Source, error) {
	if cfg.URL != "" {
		return dictsource.NewHTTP(cfg.URL, dictsource.WithLogger(logger))
	}
	return dictsource.NewFiles(cfg.FileDir), nil
}

// loadDictionary resumes the archived active version and falls back to the
// configured version on first start.
func loadDictionary(ctx context.Context, dicts *dictstore.Store, cfg config.DictionaryConfig) error {
	_, err := dicts.Load(ctx, cfg.Name, "")
	if err == nil {
		return nil
	}
	if !errors.Is(err, dictstore.ErrNotLoaded) || cfg.Version == "" {
		return fmt.Errorf("load active dictionary: %w", err)
	}
	if _, err := dicts.Load(ctx, cfg.Name, cfg.Version); err != nil {
		return fmt.Errorf("load active dictionary: %w", err)
	}
	return nil
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// close releases collaborators in reverse order of opening.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
