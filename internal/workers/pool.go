// Package workers provides a keyed worker pool. Jobs sharing a key run
// serially in submission order; jobs with different keys run in parallel.
package workers

import (
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

const jobBuffer = 512

// Pool dispatches jobs onto a fixed set of workers, choosing the worker by
// key hash so all work for one key is serialized.
type Pool struct {
	queues []chan func()
	wg     sync.WaitGroup
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New starts a pool with n workers. n must be positive.
func New(n int, log zerolog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		queues: make([]chan func(), n),
		log:    log.With().Str("component", "worker-pool").Logger(),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), jobBuffer)
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

func (p *Pool) run(q chan func()) {
	defer p.wg.Done()
	for job := range q {
		job()
	}
}

// Submit enqueues a job for the worker owning key. It returns false when the
// pool is closed or the worker's queue is full; the job is dropped in both
// cases.
func (p *Pool) Submit(key string, job func()) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	idx := int(h.Sum32()) % len(p.queues)
	if idx < 0 {
		idx += len(p.queues)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queues[idx] <- job:
		return true
	default:
		p.log.Warn().Str("key", key).Msg("worker queue full, job dropped")
		return false
	}
}

// Close stops accepting jobs and waits for queued work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
