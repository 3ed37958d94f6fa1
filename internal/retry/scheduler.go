package retry

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs delayed units of work on their own goroutines. Each
// scheduled function is independent; a pending timer is dropped when the
// context is canceled. Wait blocks until all scheduled work has finished
// or been canceled, which gives shutdown a drain point.
type Scheduler struct {
	wg sync.WaitGroup
}

// After runs fn once d has elapsed. If ctx is canceled first, fn is not
// run. After never blocks the caller.
func (s *Scheduler) After(ctx context.Context, d time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			fn()
		case <-ctx.Done():
		}
	}()
}

// Wait blocks until every scheduled unit has completed or been canceled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
