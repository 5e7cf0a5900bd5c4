package embedding

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/semaphore"
)

// Guard publishes one Service to many readers and lets a writer swap it.
//
// Readers take one unit of a semaphore that is effectively unbounded, a
// writer takes all of it. The semaphore queues waiters in FIFO order, so a
// waiting writer holds back readers that arrive after it and is never
// starved.
type Guard struct {
	sem *semaphore.Weighted
	svc *Service
}

const writeWeight = math.MaxInt64

func NewGuard(s *Service) *Guard {
	if s == nil {
		panic("embedding: NewGuard with nil service")
	}
	return &Guard{sem: semaphore.NewWeighted(writeWeight), svc: s}
}

func (g *Guard) acquire(ctx context.Context, n int64, mode string) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, n); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &LockTimeoutError{Mode: mode, Waited: time.Since(start), Err: err}
		}
		return err
	}
	return nil
}

// WithRead runs fn with shared access to the current Service. Any number of
// readers run at once; none overlaps a writer.
func WithRead[T any](ctx context.Context, g *Guard, fn func(*Service) (T, error)) (T, error) {
	if err := g.acquire(ctx, 1, "read"); err != nil {
		var zero T
		return zero, err
	}
	defer g.sem.Release(1)
	return fn(g.svc)
}

// Handle is the writer's view of the Guard, valid only inside WithWrite.
type Handle struct {
	current *Service
	next    *Service
}

func (h *Handle) Service() *Service {
	if h.next != nil {
		return h.next
	}
	return h.current
}

// Replace stages s as the new Service. It is published when the WithWrite
// callback returns nil.
func (h *Handle) Replace(s *Service) error {
	if s == nil {
		return errors.New("embedding: replace with nil service")
	}
	h.next = s
	return nil
}

// WithWrite runs fn with exclusive access. A replacement staged through the
// Handle is published only if fn succeeds.
func WithWrite(ctx context.Context, g *Guard, fn func(*Handle) error) error {
	if err := g.acquire(ctx, writeWeight, "write"); err != nil {
		return err
	}
	defer g.sem.Release(writeWeight)
	h := &Handle{current: g.svc}
	if err := fn(h); err != nil {
		return err
	}
	if h.next != nil {
		g.svc = h.next
	}
	return nil
}
