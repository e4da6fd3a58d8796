package h2s

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// WorkerPool is a dynamic, fairness-aware pool of goroutines shared by
// every Session on this process, each pulling tasks from whichever
// registered Mplx has one ready. It bounds total live workers with
// golang.org/x/sync/semaphore the way h2mux.go bounds its own goroutine
// fan-out.
type WorkerPool struct {
	logger Logger

	mu        sync.Mutex
	mplxAdded *sync.Cond

	ring        []*Mplx
	workerCount int
	idleWorkers int
	nextID      int
	shutdown    bool

	minSize int
	maxSize int
	maxIdle time.Duration
	quantum int

	sem *semaphore.Weighted
}

// NewWorkerPool builds a WorkerPool bounded by cfg's min/max worker and
// idle-shrink settings.
func NewWorkerPool(cfg *Config, logger Logger) *WorkerPool {
	p := &WorkerPool{
		logger:  logger,
		minSize: cfg.MinWorkers,
		maxSize: cfg.MaxWorkers,
		maxIdle: cfg.MaxWorkerIdle,
		quantum: cfg.fairnessQuantum(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
	p.mplxAdded = sync.NewCond(&p.mu)

	for p.workerCount < p.minSize && p.sem.TryAcquire(1) {
		id := p.nextID
		p.nextID++
		p.workerCount++
		go p.runWorker(id)
	}

	return p
}

// Register appends m to the dispatch ring, waking an idle worker if one
// exists or spawning a new one (up to max_workers) otherwise. It's the
// onSchedule callback Mplx invokes the first time a task is scheduled
// on a previously-idle Mplx.
func (p *WorkerPool) Register(m *Mplx) {
	p.mu.Lock()

	p.ring = append(p.ring, m)

	if p.idleWorkers > 0 {
		p.mu.Unlock()
		p.mplxAdded.Broadcast()
		return
	}

	if p.workerCount >= p.maxSize || !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return
	}

	id := p.nextID
	p.nextID++
	p.workerCount++
	p.mu.Unlock()

	go p.runWorker(id)
}

// Unregister drops m from the dispatch ring immediately, for a Session
// tearing down a connection whose Mplx may still be sitting idle in the
// ring with no pending tasks.
func (p *WorkerPool) Unregister(m *Mplx) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cand := range p.ring {
		if cand == m {
			p.ring = append(p.ring[:i], p.ring[i+1:]...)
			return
		}
	}
}

// LiveWorkers reports the current worker goroutine count, for tests and
// diagnostics.
func (p *WorkerPool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

// Shutdown makes each worker exit the next time it looks for a task,
// after finishing the tasks it is already running; tasks still pending
// in registered Mplxes are not run.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.mplxAdded.Broadcast()
}

// runWorker is one Worker's dispatch loop: hold an Mplx, drain its
// ready tasks up to the fairness quantum, then release it and look for
// the next one.
func (p *WorkerPool) runWorker(id int) {
	defer p.workerExit(id)

	p.logger.Debugf("worker %d started", id)

	for {
		m, t := p.nextTask()
		if t == nil {
			return
		}

		t.run()
		ran := 1

		for ran < p.quantum {
			t2 := m.PopTask()
			if t2 == nil {
				break
			}
			t2.run()
			ran++
		}
	}
}

// nextTask scans the ring for an Mplx with a ready task, round-robining
// past ones that have none right now; if none anywhere, idle-wait,
// shrinking past min_workers on timeout.
func (p *WorkerPool) nextTask() (*Mplx, *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.shutdown {
			p.workerCount--
			p.sem.Release(1)
			return nil, nil
		}

		n := len(p.ring)
		for i := 0; i < n; i++ {
			m := p.ring[0]
			p.ring = p.ring[1:]

			if t := m.PopTask(); t != nil {
				p.ring = append(p.ring, m)
				return m, t
			}
			// m had nothing pending right now; Mplx.PopTask already
			// marked it unregistered, so it'll re-enter via Register
			// the next time a task is scheduled on it.
		}

		if p.shutdown {
			p.workerCount--
			p.sem.Release(1)
			return nil, nil
		}

		if p.workerCount > p.minSize {
			p.idleWorkers++
			timedOut := (deadlineCond{p.mplxAdded}).WaitUntil(time.Now().Add(p.maxIdle))
			p.idleWorkers--

			if timedOut && len(p.ring) == 0 {
				p.workerCount--
				p.sem.Release(1)
				return nil, nil
			}
			continue
		}

		p.idleWorkers++
		p.mplxAdded.Wait()
		p.idleWorkers--
	}
}

func (p *WorkerPool) workerExit(id int) {
	p.logger.Debugf("worker %d exiting", id)
}
