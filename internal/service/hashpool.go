package service

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// hashPool bounds how many password hashes run at once. Argon2id takes
// 64 MiB per call, so unbounded concurrent logins would exhaust memory.
type hashPool struct {
	sem *semaphore.Weighted
}

func newHashPool(workers int) *hashPool {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &hashPool{sem: semaphore.NewWeighted(int64(workers))}
}

// do runs fn once a slot is free. A cancelled ctx stops the wait but never
// interrupts a running fn.
func (p *hashPool) do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}
