package validation

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"clinicalcore/pkg/dictionary"
)

// Job is one entity's records to validate.
type Job struct {
	Entity  string
	Records []dictionary.DataRecord
}

// Outcome pairs a Job's entity with its result. Err is set when the job
// itself could not run (unknown schema, panic in a script); it never
// represents record-level validation failures.
type Outcome struct {
	Entity string
	Result Result
	Err    error
}

// Pool runs validation jobs on a fixed number of workers shared by every
// caller of ProcessAll.
type Pool struct {
	engine *Engine
	sem    *semaphore.Weighted
	size   int
}

// NewPool constructs a pool of size workers. A non-positive size uses the
// number of available CPUs.
func NewPool(engine *Engine, size int) *Pool {
	if engine == nil {
		engine = New()
	}
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{engine: engine, sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Engine returns the engine the pool dispatches to.
func (p *Pool) Engine() *Engine { return p.engine }

// ProcessAll validates every job and returns outcomes in job order. The only
// error returned is context cancellation while waiting for a worker.
func (p *Pool) ProcessAll(ctx context.Context, dict dictionary.SchemaDictionary, jobs []Job, opts ...ProcessOption) ([]Outcome, error) {
	outcomes := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)
			outcomes[i] = p.run(dict, job, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("validation pool: %w", err)
	}
	return outcomes, nil
}

func (p *Pool) run(dict dictionary.SchemaDictionary, job Job, opts []ProcessOption) (out Outcome) {
	out.Entity = job.Entity
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("validate %s: panic: %v", job.Entity, r)
		}
	}()
	out.Result, out.Err = p.engine.Process(dict, job.Entity, job.Records, opts...)
	return out
}
