// Package sweep provides the bounded background-worker pool shared by
// the TTL sweeper, the changefeed retention sweeper, and the tx-timeout
// sweeper (spec.md §5's "background tasks"). It is adapted from the
// teacher's worker/pool.go: the same fixed-size pool of goroutines
// pulling jobs off a channel, but the jobs are in-process ticks instead
// of entries dequeued from an external broker, since ThemisDB's
// sweepers have no queue to dequeue from — they scan the KV engine
// directly on a schedule.
package sweep

import (
	"context"
	"sync"
	"time"
)

// Task is one periodic background job, e.g. "sweep expired TTL
// entries" or "roll back timed-out transactions".
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	OnError  func(name string, err error) // called with each Run error, if set; the task keeps ticking either way
}

// Pool runs a fixed set of Tasks, each on its own ticker, until Stop is
// called — mirroring the teacher's Pool/Worker split (one goroutine per
// named unit of work) without needing a Queue interface, since there is
// nothing external to dequeue from.
type Pool struct {
	tasks  []Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a sweep pool for the given tasks. It does not start them;
// call Start.
func New(tasks []Task) *Pool {
	return &Pool{tasks: tasks}
}

// Start launches one goroutine per task, each ticking at its own
// interval until Stop is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, t := range p.tasks {
		p.wg.Add(1)
		go p.runTask(ctx, t)
	}
}

func (p *Pool) runTask(ctx context.Context, t Task) {
	defer p.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Run(ctx); err != nil && t.OnError != nil {
				t.OnError(t.Name, err)
			}
		}
	}
}

// Stop signals every task to exit and waits for them to drain, the
// sweeper half of the "drain in-flight work" shutdown sequence in
// spec.md §6.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
