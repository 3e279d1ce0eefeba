package bridge

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// PanicError wraps a value recovered from a panicking engine call.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("engine call panicked: %v", e.Value)
}

// Pool runs blocking engine calls on a bounded set of goroutines and posts
// their completions back to a Loop.
type Pool struct {
	loop *Loop
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// NewPool creates a pool running at most size calls at once.
func NewPool(loop *Loop, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		loop: loop,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Go runs work on a worker and then done(err) on the loop. A panic in work
// is reported as a *PanicError. Go itself never blocks.
func (p *Pool) Go(ctx context.Context, work func() error, done func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.loop.Post(func() { done(err) })
			return
		}
		err := p.run(work)
		p.sem.Release(1)

		p.loop.Post(func() { done(err) })
	}()
}

func (p *Pool) run(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return work()
}

// Wait blocks until every call started with Go has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
