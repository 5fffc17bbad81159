package syncgroup

import (
	"sync"
)

type groupFunc func()

// SyncGroup wraps sync.WaitGroup so Add/Done pairing cannot be missed:
// functions are queued with Add and launched together by Run.
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	fns     []groupFunc
	running int
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add queues fn for the next Run. Queued functions are dropped if a
// previous batch is still running; call WaitAndClear first.
func (g *SyncGroup) Add(fn groupFunc) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running > 0 {
		return
	}
	g.fns = append(g.fns, fn)
}

// Run launches every queued function in its own goroutine and clears the
// queue. A second Run while the batch is live is a no-op.
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.running > 0 {
		g.mu.Unlock()
		return
	}
	fns := g.fns
	g.fns = nil
	g.running = len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(do groupFunc) {
			defer func() {
				g.wg.Done()
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
			}()
			do()
		}(fn)
	}
}

// WaitAndClear blocks until the running batch finishes, then resets the
// group for reuse.
func (g *SyncGroup) WaitAndClear() {
	g.wg.Wait()

	g.mu.Lock()
	g.fns = nil
	g.running = 0
	g.mu.Unlock()
}

// Wait blocks until the running batch finishes.
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
