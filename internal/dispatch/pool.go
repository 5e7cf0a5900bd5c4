// Package dispatch runs predictions on a fixed set of worker goroutines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/tensor"
)

const DefaultWorkers = 8

var ErrPoolClosed = errors.New("dispatch: pool closed")

type Options struct {
	Workers int
	// QueueSize bounds pending tasks. Zero means Workers*4.
	QueueSize int
	Logger    logger.Logger
}

type result struct {
	out *tensor.Tensor3
	err error
}

type task struct {
	ctx    context.Context
	text   string
	result chan<- result
}

// Pool hands each submitted text to one worker, which runs Predict on the
// guarded Service while holding read access.
type Pool struct {
	guard   *embedding.Guard
	workers int
	queue   chan task
	log     logger.Logger

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func New(g *embedding.Guard, opts Options) *Pool {
	if g == nil {
		panic("dispatch: New with nil guard")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = workers * 4
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{
		guard:   g,
		workers: workers,
		queue:   make(chan task, size),
		log:     log,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *Pool) Workers() int { return p.workers }

// Run starts the workers and blocks until ctx is cancelled. Tasks already
// queued at that point are still processed before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Go(func() { p.workerLoop(i) })
	}
	p.log.Info("dispatcher started", "workers", p.workers, "queue", cap(p.queue))

	<-ctx.Done()
	p.once.Do(func() { close(p.done) })
	wg.Wait()
	close(p.stopped)
	p.log.Info("dispatcher stopped")
	return nil
}

// Submit queues text and waits for its prediction. It returns ctx.Err() if
// the caller gives up first; the prediction, if already running, finishes
// and is discarded.
func (p *Pool) Submit(ctx context.Context, text string) (*tensor.Tensor3, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	ch := make(chan result, 1)
	select {
	case p.queue <- task{ctx: ctx, text: text, result: ch}:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		// The task may have been queued after the last worker drained.
		select {
		case res := <-ch:
			return res.out, res.err
		default:
			return nil, ErrPoolClosed
		}
	}
}

func (p *Pool) workerLoop(id int) {
	for {
		select {
		case t := <-p.queue:
			p.process(id, t)
		case <-p.done:
			for {
				select {
				case t := <-p.queue:
					p.process(id, t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) process(id int, t task) {
	if err := t.ctx.Err(); err != nil {
		p.log.Debug("skipping cancelled task", "worker", id, "err", err)
		t.result <- result{err: err}
		return
	}
	out, err := embedding.WithRead(t.ctx, p.guard, func(s *embedding.Service) (*tensor.Tensor3, error) {
		return safePredict(s, t.text)
	})
	if err != nil {
		p.log.Debug("predict failed", "worker", id, "err", err)
	}
	t.result <- result{out: out, err: err}
}

func safePredict(s *embedding.Service, text string) (out *tensor.Tensor3, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &embedding.InferenceError{Err: fmt.Errorf("panic in Predict: %v", rec)}
		}
	}()
	return s.Predict(text)
}
