package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/hub"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/modeltest"
	"github.com/samcharles93/vectord/internal/tensor"
)

func newGuard(t *testing.T) (*embedding.Guard, *embedding.Service) {
	t.Helper()
	svc, err := embedding.Load(context.Background(), embedding.LoadOptions{
		Source: hub.Dir(modeltest.Snapshot(t, modeltest.Options{})),
		Device: tensor.CPU(1),
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return embedding.NewGuard(svc), svc
}

// startPool runs p until the test ends and returns a func that stops it
// and waits for Run to return.
func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	g := embedding.NewGuard(&embedding.Service{})
	tests := []struct {
		opts          Options
		workers, size int
	}{
		{Options{}, DefaultWorkers, DefaultWorkers * 4},
		{Options{Workers: 2}, 2, 8},
		{Options{Workers: 3, QueueSize: 1}, 3, 1},
		{Options{Workers: -1}, DefaultWorkers, DefaultWorkers * 4},
	}
	for _, tt := range tests {
		p := New(g, tt.opts)
		if p.Workers() != tt.workers || cap(p.queue) != tt.size {
			t.Errorf("New(%+v): workers=%d queue=%d, want %d/%d", tt.opts, p.Workers(), cap(p.queue), tt.workers, tt.size)
		}
	}
}

func TestSubmitMatchesPredict(t *testing.T) {
	t.Parallel()
	g, svc := newGuard(t)
	p := New(g, Options{Workers: 2})
	startPool(t, p)

	want, err := svc.Predict("Hello")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	got, err := p.Submit(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Shape != want.Shape || !slices.Equal(got.Data, want.Data) {
		t.Fatalf("Submit result differs from Predict: %v vs %v", got.Shape, want.Shape)
	}
}

func TestConcurrentSubmitsMatchSequential(t *testing.T) {
	t.Parallel()
	g, svc := newGuard(t)
	p := New(g, Options{})
	startPool(t, p)

	inputs := []string{"Hello", "hello world", "the quick brown fox", "", "a b c", "jumping, foxs!"}
	want := make([][]float32, len(inputs))
	for i, in := range inputs {
		out, err := svc.Predict(in)
		if err != nil {
			t.Fatalf("Predict(%q): %v", in, err)
		}
		want[i] = out.Data
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for n := range 48 {
		wg.Go(func() {
			i := n % len(inputs)
			out, err := p.Submit(context.Background(), inputs[i])
			if err != nil {
				errs <- err
				return
			}
			if !slices.Equal(out.Data, want[i]) {
				errs <- fmt.Errorf("Submit(%q) differs from sequential result", inputs[i])
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestErrorsStayPerRequest(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t)
	p := New(g, Options{Workers: 1})
	startPool(t, p)

	if _, err := p.Submit(context.Background(), "bad \xff"); !errors.Is(err, embedding.ErrTokenization) {
		t.Fatalf("expected tokenization error, got %v", err)
	}
	if _, err := p.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("worker did not recover from a failed request: %v", err)
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t)
	p := New(g, Options{Workers: 1})
	startPool(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Submit(ctx, "Hello"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueuedTaskCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t)
	p := New(g, Options{Workers: 1})
	startPool(t, p)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = embedding.WithWrite(context.Background(), g, func(*embedding.Handle) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	first := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), "Hello")
		first <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, "world"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for queued task, got %v", err)
	}

	close(release)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first task: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first task never completed")
	}
}

func TestRunDrainsQueuedTasks(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t)
	p := New(g, Options{Workers: 2})
	stop := startPool(t, p)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = embedding.WithWrite(context.Background(), g, func(*embedding.Handle) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	const n = 5
	results := make(chan error, n)
	for range n {
		go func() {
			_, err := p.Submit(context.Background(), "the quick brown fox")
			results <- err
		}()
	}
	// Let every task reach the queue or a worker.
	time.Sleep(30 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	stop()

	for range n {
		if err := <-results; err != nil {
			t.Fatalf("queued task failed during shutdown: %v", err)
		}
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t)
	p := New(g, Options{Workers: 1})
	stop := startPool(t, p)
	stop()

	if _, err := p.Submit(context.Background(), "Hello"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSubmitSeesReplacedService(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t)
	p := New(g, Options{Workers: 2})
	startPool(t, p)

	other, err := embedding.Load(context.Background(), embedding.LoadOptions{
		Source: hub.Dir(modeltest.Snapshot(t, modeltest.Options{Seed: 7})),
		Device: tensor.CPU(1),
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := other.Predict("Hello")

	before, err := p.Submit(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := embedding.WithWrite(context.Background(), g, func(h *embedding.Handle) error {
		return h.Replace(other)
	}); err != nil {
		t.Fatalf("WithWrite: %v", err)
	}
	after, err := p.Submit(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if slices.Equal(before.Data, after.Data) || !slices.Equal(after.Data, want.Data) {
		t.Fatal("dispatcher did not pick up the replaced service")
	}
}
