package shard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when submitting to stopped lanes.
var ErrClosed = errors.New("lanes closed")

// ErrPanicked is returned by Do when the task panicked.
var ErrPanicked = errors.New("lane task panicked")

// Lanes runs tasks on a fixed set of worker goroutines. All tasks for one
// document hash to the same lane and run in submission order; different
// lanes run in parallel.
type Lanes struct {
	logger *slog.Logger
	queues []chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLanes starts n workers, each with a FIFO queue of the given depth.
func NewLanes(n, depth int, logger *slog.Logger) *Lanes {
	if n < 1 {
		n = 1
	}
	l := &Lanes{
		logger: logger,
		queues: make([]chan func(), n),
	}
	for i := range l.queues {
		q := make(chan func(), depth)
		l.queues[i] = q
		l.wg.Add(1)
		go l.run(i, q)
	}
	return l
}

func (l *Lanes) run(lane int, q <-chan func()) {
	defer l.wg.Done()
	for task := range q {
		l.exec(lane, task)
	}
}

func (l *Lanes) exec(lane int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane task panicked", "lane", lane, "panic", r)
		}
	}()
	task()
}

// Len returns the number of lanes.
func (l *Lanes) Len() int {
	return len(l.queues)
}

// Submit enqueues task on the document's lane. It blocks while the lane is
// full until ctx is done.
func (l *Lanes) Submit(ctx context.Context, documentID int64, task func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	q := l.queues[ForDocument(documentID, len(l.queues))]
	select {
	case q <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the document's lane and waits for its result.
func (l *Lanes) Do(ctx context.Context, documentID int64, fn func() error) error {
	done := make(chan error, 1)
	task := func() {
		err := ErrPanicked
		defer func() { done <- err }()
		err = fn()
	}
	if err := l.Submit(ctx, documentID, task); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (l *Lanes) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()
	l.wg.Wait()
}
