// Package worker wraps ants goroutine pools with context-aware submission
// and unified panic recovery. Background work in fanout goes through a Pool
// rather than bare goroutines so it is bounded and released on shutdown.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"
)

var (
	// ErrPoolClosed is returned when submitting to a released pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolOverloaded is returned by a nonblocking pool with no idle worker.
	ErrPoolOverloaded = errors.New("worker pool is overloaded")
)

// Task is a context-aware unit of work.
type Task func(ctx context.Context)

// Pool wraps ants.Pool.
type Pool struct {
	pool   *ants.Pool
	name   string
	logger *slog.Logger
}

// DefaultSize is half the CPU count, at least 1.
func DefaultSize() int {
	return max(runtime.NumCPU()/2, 1)
}

// NewPool creates a named pool of size goroutines. A size below 1 uses DefaultSize.
// Submitting to a saturated pool waits for a free worker.
func NewPool(name string, size int, logger *slog.Logger) (*Pool, error) {
	return newPool(name, size, logger, false)
}

// NewNonblockingPool is like NewPool but submitting to a saturated pool fails
// at once with ErrPoolOverloaded.
func NewNonblockingPool(name string, size int, logger *slog.Logger) (*Pool, error) {
	return newPool(name, size, logger, true)
}

func newPool(name string, size int, logger *slog.Logger, nonblocking bool) (*Pool, error) {
	if size < 1 {
		size = DefaultSize()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker-pool", "pool", name)

	panicHandler := func(p any) {
		logger.Error("worker panic recovered", "panic", p, "stack", string(debug.Stack()))
	}

	ap, err := ants.NewPool(size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(nonblocking),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: ap, name: name, logger: logger}, nil
}

// Submit runs task with ctx on the pool. If ctx is already done the task is
// not submitted and ctx.Err() is returned; if it ends while the task is
// queued the task is skipped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return translate(p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("task skipped: context cancelled", "err", ctx.Err())
			return
		default:
		}
		task(ctx)
	}))
}

// Go runs fn on the pool without a context.
func (p *Pool) Go(fn func()) error {
	return translate(p.pool.Submit(fn))
}

func translate(err error) error {
	switch {
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrPoolOverloaded
	}
	return err
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release waits up to timeout for running tasks and closes the pool.
func (p *Pool) Release(timeout time.Duration) error {
	if p.pool.IsClosed() {
		return nil
	}
	return p.pool.ReleaseTimeout(timeout)
}
