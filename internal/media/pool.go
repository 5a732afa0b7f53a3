package media

import (
	"context"
	"sync"

	"grouparchive/backend/internal/remote"
)

// Pool runs a bounded number of download workers for one fetch run.
type Pool struct {
	mgr      *Manager
	sess     remote.Session
	policy   Policy
	jobs     chan Job
	wg       sync.WaitGroup
	onResult func(Job, Result)
	closed   sync.Once
}

// NewPool starts workers that download every submitted job and report each
// result through onResult, which must be safe for concurrent use.
func NewPool(ctx context.Context, mgr *Manager, sess remote.Session, policy Policy, workers int, onResult func(Job, Result)) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		mgr:      mgr,
		sess:     sess,
		policy:   policy,
		jobs:     make(chan Job, workers*4),
		onResult: onResult,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	return p
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		// Cancellation is observed between downloads; queued jobs are
		// reported as skipped so the caller still sees every job.
		if ctx.Err() != nil {
			p.onResult(job, skipped(SkipCancelled))
			continue
		}
		p.onResult(job, p.mgr.Download(ctx, p.sess, job, p.policy))
	}
}

// Submit queues job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes the queue and waits for every queued job to finish.
func (p *Pool) Drain() {
	p.closed.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
