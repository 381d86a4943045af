// Package pool runs independent units of work on a bounded number of
// goroutines and joins them at explicit stage barriers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/TuSKan/zarr-pyramid/failure"
)

// Pool is a fixed-size worker pool. Submit never blocks; Barrier waits for
// every task submitted since the previous barrier.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	log  *slog.Logger

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used to report task failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// New returns a pool running at most size tasks at once. Sizes below one
// are treated as one.
func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the maximum number of concurrently running tasks.
func (p *Pool) Size() int { return p.size }

// Submit schedules task under id. An error or panic in the task is recorded
// and reported by the next Barrier; it never affects sibling tasks.
func (p *Pool) Submit(id string, task func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire on a background context cannot fail.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		err := run(id, task)

		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.log.Warn("task failed", "task", id, "error", err)
			p.errs = multierr.Append(p.errs, err)
		}
	}()
}

func run(id string, task func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &failure.TaskError{
				ID:   id,
				Kind: failure.KindPanic,
				Err:  fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	if err := task(); err != nil {
		var te *failure.TaskError
		if errors.As(err, &te) {
			if te.ID == "" {
				te.ID = id
			}
			return te
		}
		return &failure.TaskError{ID: id, Kind: failure.KindOther, Err: err}
	}
	return nil
}

// Barrier blocks until all submitted tasks have finished, then resets the
// pool for the next stage. It returns a *failure.PartialFailure naming
// every failed task, or nil.
func (p *Pool) Barrier(stage string) error {
	p.wg.Wait()

	p.mu.Lock()
	errs := p.errs
	p.errs = nil
	p.mu.Unlock()

	if errs == nil {
		return nil
	}
	pf := &failure.PartialFailure{Stage: stage}
	for _, err := range multierr.Errors(errs) {
		var te *failure.TaskError
		if !errors.As(err, &te) {
			te = &failure.TaskError{Kind: failure.KindOther, Err: err}
		}
		te.Stage = stage
		pf.Failures = append(pf.Failures, te)
	}
	sort.Slice(pf.Failures, func(i, j int) bool { return pf.Failures[i].ID < pf.Failures[j].ID })
	return pf
}
