package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type job struct {
	ctx     context.Context
	timeout time.Duration
	fn      func(context.Context) error
	done    chan error
}

// Pool runs provider calls for one capability on a fixed set of workers.
// The queue is bounded; a full queue is reported as ErrCapabilityBusy
// instead of growing.
type Pool struct {
	capability Capability
	jobs       chan job
	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewPool starts workers goroutines reading from a queue of the given size.
func NewPool(c Capability, workers, queue int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		capability: c,
		jobs:       make(chan job, queue),
		logger:     logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Capability returns the capability this pool serves.
func (p *Pool) Capability() Capability { return p.capability }

// Do queues fn and blocks until a worker has run it. A non-zero timeout
// bounds the call; hitting it yields ErrProviderTimeout.
func (p *Pool) Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	j := job{ctx: ctx, timeout: timeout, fn: fn, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("%s pool closed: %w", p.capability, ErrCapabilityUnavailable)
	}
	select {
	case p.jobs <- j:
	default:
		p.mu.RUnlock()
		return fmt.Errorf("%s: %w", p.capability, ErrCapabilityBusy)
	}
	p.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.done <- p.run(j)
	}
}

func (p *Pool) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	ctx := j.ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("provider call panicked",
				zap.String("capability", string(p.capability)),
				zap.Any("panic", r))
			err = fmt.Errorf("%w: panic: %v", ErrProviderUnavailable, r)
		}
	}()

	err = j.fn(ctx)
	if err != nil && j.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrProviderTimeout) {
		err = fmt.Errorf("%w after %s: %v", ErrProviderTimeout, j.timeout, err)
	}
	return err
}

// Close stops accepting work and waits for queued calls to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
