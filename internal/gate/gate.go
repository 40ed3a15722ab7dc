package gate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitError is returned when a permit could not be acquired before the
// queue timeout elapsed. The query never reached the database.
type LimitError struct {
	Max          int
	QueueTimeout time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("concurrent query limit reached: all %d slots busy after waiting %s", e.Max, e.QueueTimeout)
}

// Status is an observability snapshot of the gate.
type Status struct {
	Active    int `json:"active"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// Gate is a bounded-parallelism admission control. At most max holders may
// be admitted simultaneously; further acquirers queue up to a per-call
// timeout. No ordering is guaranteed among concurrent acquirers.
type Gate struct {
	sem    chan struct{}
	mu     sync.Mutex
	active int
}

// New creates a Gate admitting at most max concurrent holders.
// Panics if max <= 0.
func New(max int) *Gate {
	if max <= 0 {
		panic("gate: max must be > 0")
	}
	return &Gate{sem: make(chan struct{}, max)}
}

// Permit represents one admitted slot. Release is idempotent and must be
// called on every exit path, typically via defer.
type Permit struct {
	g    *Gate
	once sync.Once
}

// Release returns the slot to the gate.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.mu.Lock()
		p.g.active--
		p.g.mu.Unlock()
		<-p.g.sem
	})
}

// Acquire blocks until a slot is free, the queue timeout elapses, or ctx is
// cancelled. On timeout it returns a *LimitError; the caller's query must
// not proceed to the database.
func (g *Gate) Acquire(ctx context.Context, taskID uint64, queueTimeout time.Duration) (*Permit, error) {
	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
	case <-timer.C:
		return nil, &LimitError{Max: cap(g.sem), QueueTimeout: queueTimeout}
	case <-ctx.Done():
		return nil, fmt.Errorf("task %d cancelled while waiting for a query slot: %w", taskID, ctx.Err())
	}

	g.mu.Lock()
	g.active++
	g.mu.Unlock()
	return &Permit{g: g}, nil
}

// Status returns the current admission counters.
func (g *Gate) Status() Status {
	g.mu.Lock()
	active := g.active
	g.mu.Unlock()
	max := cap(g.sem)
	return Status{Active: active, Max: max, Available: max - active}
}
