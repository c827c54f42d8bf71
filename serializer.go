package duplex

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// serializer is a single-holder lock whose waiters are served in FIFO order.
// The only way to hold it is do, which releases it exactly once.
type serializer struct {
	op  string
	sem *semaphore.Weighted
}

func newSerializer(op string) *serializer {
	return &serializer{op: op, sem: semaphore.NewWeighted(1)}
}

// do runs fn while holding the serializer. A waiter whose context deadline came
// from withOpTimeout gets a *TimeoutError carrying timeout; any other context
// failure is returned as is.
func (s *serializer) do(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return waitError(ctx, s.op, timeout)
	}
	defer s.sem.Release(1)
	return fn()
}

