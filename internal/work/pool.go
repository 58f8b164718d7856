package work

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/eventline/internal/logging"
)

// completedCap bounds the retained history of finished items.
const completedCap = 100

// Pool manages a fixed number of workers processing queued items.
type Pool struct {
	mu      sync.RWMutex
	workers int

	pending   priorityQueue
	active    map[string]*Item
	completed []*Item // newest last

	signal chan struct{}

	totalCreated   int64
	totalCompleted int64
	totalFailed    int64

	nextID int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given number of workers.
// If workers <= 0, runtime.NumCPU() is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		workers: workers,
		active:  make(map[string]*Item),
		signal:  make(chan struct{}, 1),
	}
}

// Start launches the dispatcher.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.dispatch()
	logging.Info("Work pool started", "workers", p.workers)
}

// Stop cancels outstanding work and waits for active items to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logging.Info("Work pool stopped",
		"created", atomic.LoadInt64(&p.totalCreated),
		"completed", atomic.LoadInt64(&p.totalCompleted),
		"failed", atomic.LoadInt64(&p.totalFailed))
}

// Submit queues a work item and returns its assigned ID.
func (p *Pool) Submit(item *Item) string {
	item.ID = fmt.Sprintf("w%d", atomic.AddInt64(&p.nextID, 1))
	item.Status = StatusPending
	item.CreatedAt = time.Now()

	p.mu.Lock()
	heap.Push(&p.pending, item)
	p.mu.Unlock()
	atomic.AddInt64(&p.totalCreated, 1)

	logging.Debug("Work created", "id", item.ID, "type", item.Type, "desc", item.Description)

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return item.ID
}

// SubmitFunc is a convenience for simple work items.
func (p *Pool) SubmitFunc(typ Type, desc string, fn func() (string, error)) string {
	return p.Submit(&Item{Type: typ, Description: desc, workFn: fn})
}

// dispatch moves pending items onto workers as capacity frees up.
func (p *Pool) dispatch() {
	defer p.wg.Done()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.signal:
		}
		p.drainPending()
	}
}

func (p *Pool) drainPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.pending.Len() > 0 && len(p.active) < p.workers {
		item := heap.Pop(&p.pending).(*Item)
		item.Status = StatusActive
		item.StartedAt = time.Now()
		p.active[item.ID] = item

		logging.Debug("Work started", "id", item.ID, "type", item.Type)
		go p.execute(item)
	}
}

func (p *Pool) execute(item *Item) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Work panicked", "id", item.ID, "panic", r)
			p.complete(item, "", fmt.Errorf("panic: %v", r))
		}
	}()

	if item.workFn == nil {
		p.complete(item, "", fmt.Errorf("no work function"))
		return
	}
	result, err := item.workFn()
	p.complete(item, result, err)
}

func (p *Pool) complete(item *Item, result string, err error) {
	p.mu.Lock()
	item.FinishedAt = time.Now()
	item.Result = result
	item.Error = err
	if err != nil {
		item.Status = StatusFailed
		atomic.AddInt64(&p.totalFailed, 1)
	} else {
		item.Status = StatusComplete
		atomic.AddInt64(&p.totalCompleted, 1)
	}
	delete(p.active, item.ID)
	p.completed = append(p.completed, item)
	if len(p.completed) > completedCap {
		p.completed = p.completed[len(p.completed)-completedCap:]
	}
	p.mu.Unlock()

	if err != nil {
		logging.Error("Work failed", "id", item.ID, "type", item.Type,
			"error", err, "duration", item.Duration())
	} else {
		logging.Info("Work completed", "id", item.ID, "type", item.Type,
			"result", result, "duration", item.Duration())
	}

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		TotalCreated:   atomic.LoadInt64(&p.totalCreated),
		TotalCompleted: atomic.LoadInt64(&p.totalCompleted),
		TotalFailed:    atomic.LoadInt64(&p.totalFailed),
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   p.pending.Len(),
	}
}

// Wait blocks until the pool is idle or the context expires.
func (p *Pool) Wait(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.mu.RLock()
			idle := p.pending.Len() == 0 && len(p.active) == 0
			p.mu.RUnlock()
			if idle {
				return nil
			}
		}
	}
}
