// Package serial runs tasks one at a time per key while distinct keys
// proceed concurrently.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("serial processor closed")

// Task is a unit of work executed on a key's chain.
type Task func(ctx context.Context) error

// chain is the FIFO of tasks for one key. A chain exists in the map
// only while it has a queued or running task.
type chain struct {
	tasks []Task
}

// Processor executes tasks FIFO per key. Each active key owns one worker
// goroutine that drains its chain and then removes the map entry.
type Processor[K comparable] struct {
	name   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	idle   *sync.Cond
	chains map[K]*chain
	closed bool

	onDone func(key K, err error)
}

// New creates a processor. Tasks receive a context that is cancelled by Close.
func New[K comparable](name string, logger *slog.Logger) *Processor[K] {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor[K]{
		name:   name,
		logger: logger.With("processor", name),
		ctx:    ctx,
		cancel: cancel,
		chains: make(map[K]*chain),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// OnDone registers a hook called after every task with its result.
// Must be set before the first Enqueue.
func (p *Processor[K]) OnDone(fn func(key K, err error)) {
	p.onDone = fn
}

// Enqueue appends task to the tail of key's chain.
func (p *Processor[K]) Enqueue(key K, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if c, ok := p.chains[key]; ok {
		c.tasks = append(c.tasks, task)
		return nil
	}

	c := &chain{tasks: []Task{task}}
	p.chains[key] = c
	go p.drain(key, c)
	return nil
}

func (p *Processor[K]) drain(key K, c *chain) {
	for {
		p.mu.Lock()
		if len(c.tasks) == 0 {
			delete(p.chains, key)
			if len(p.chains) == 0 {
				p.idle.Broadcast()
			}
			p.mu.Unlock()
			return
		}
		task := c.tasks[0]
		c.tasks[0] = nil
		c.tasks = c.tasks[1:]
		p.mu.Unlock()

		err := p.run(key, task)
		if err != nil {
			p.logger.Error("task failed", "key", key, "err", err)
		}
		if p.onDone != nil {
			p.onDone(key, err)
		}
	}
}

func (p *Processor[K]) run(key K, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(p.ctx)
}

// Pending reports whether key has a queued or running task.
func (p *Processor[K]) Pending(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.chains[key]
	return ok
}

// Len returns the number of keys with live chains.
func (p *Processor[K]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chains)
}

// Wait blocks until every chain has drained.
func (p *Processor[K]) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.chains) > 0 {
		p.idle.Wait()
	}
}

// Close stops accepting tasks and waits for queued tasks to finish.
// If ctx expires first, running tasks see their context cancelled.
func (p *Processor[K]) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("%s drain: %w", p.name, ctx.Err())
	}
}
