// Package serializer runs tasks one at a time per conversation key.
//
// Tasks sharing a key execute in enqueue order and never overlap; tasks of
// distinct keys run independently. A key holds a worker goroutine only while
// it has queued work.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrStopped resolves tasks that were still queued when the serializer stopped,
// and tasks enqueued afterwards.
var ErrStopped = errors.New("serializer: stopped")

// Task is one unit of conversation work.
type Task func(ctx context.Context) error

// Future is the pending outcome of an enqueued task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolved(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task has finished or was discarded.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task error. Only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

type queue struct {
	jobs []job
}

// Serializer is a set of per-key FIFO queues.
type Serializer struct {
	log zerolog.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	stopped bool
	wg      conc.WaitGroup
}

// New returns an empty Serializer.
func New(log zerolog.Logger) *Serializer {
	return &Serializer{
		log:    log,
		queues: make(map[string]*queue),
	}
}

// Enqueue schedules task behind every task already queued under key. The task
// receives ctx; if ctx ends before the task starts it is resolved with the
// context error without running.
func (s *Serializer) Enqueue(ctx context.Context, key string, task Task) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return resolved(ErrStopped)
	}

	f := newFuture()
	q, ok := s.queues[key]
	if !ok {
		q = &queue{}
		s.queues[key] = q
		s.wg.Go(func() { s.drain(key, q) })
	}
	q.jobs = append(q.jobs, job{ctx: ctx, task: task, future: f})
	return f
}

// Len reports the number of keys with queued or running work.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Stop refuses new work and discards queued tasks with ErrStopped. Tasks
// already running are left to finish; Stop waits for them until ctx ends.
func (s *Serializer) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, q := range s.queues {
		for _, j := range q.jobs {
			j.future.resolve(ErrStopped)
		}
		q.jobs = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("serializer stop: %w", ctx.Err())
	}
}

func (s *Serializer) drain(key string, q *queue) {
	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = job{}
		q.jobs = q.jobs[1:]
		s.mu.Unlock()

		j.future.resolve(s.run(key, j))
	}
}

func (s *Serializer) run(key string, j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	var pc panics.Catcher
	pc.Try(func() { err = j.task(j.ctx) })
	if r := pc.Recovered(); r != nil {
		s.log.Error().Str("conversation", key).Interface("panic", r.Value).Msg("conversation task panicked")
		return r.AsError()
	}
	return err
}
