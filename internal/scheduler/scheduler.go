// Package scheduler serializes every outbound model call through one FIFO
// queue with a minimum spacing between calls.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultMinSpacing is the minimum time between the start of two calls.
const DefaultMinSpacing = 500 * time.Millisecond

// ErrClosed is returned for calls submitted to, or still queued in, a closed
// scheduler.
var ErrClosed = eris.New("scheduler: closed")

// Call is one queued operation.
type Call func(ctx context.Context) (any, error)

// Metadata describes a queued call for logging.
type Metadata struct {
	Stage     string
	Model     string
	SessionID string
}

// Status is a point-in-time view of the queue. LastCallAt is when the most
// recent call finished.
type Status struct {
	QueueLength int       `json:"queue_length"`
	InProgress  bool      `json:"in_progress"`
	LastCallAt  time.Time `json:"last_call_at"`
	Processed   int64     `json:"processed"`
}

type outcome struct {
	val any
	err error
}

type item struct {
	meta   Metadata
	call   Call
	result chan outcome
}

// Scheduler runs queued calls one at a time in submission order. Callers
// that stop waiting do not cancel their call: it still runs when its turn
// comes.
type Scheduler struct {
	minSpacing time.Duration
	now        func() time.Time

	mu         sync.Mutex
	queue      []*item
	inProgress bool
	lastCall   time.Time
	processed  int64
	closed     bool

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New starts a scheduler with the given spacing. A non-positive spacing
// uses DefaultMinSpacing.
func New(minSpacing time.Duration, opts ...Option) *Scheduler {
	if minSpacing <= 0 {
		minSpacing = DefaultMinSpacing
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		minSpacing: minSpacing,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

// Enqueue submits call and blocks until it has run or ctx is done.
func (s *Scheduler) Enqueue(ctx context.Context, meta Metadata, call Call) (any, error) {
	it := &item{meta: meta, call: call, result: make(chan outcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.queue = append(s.queue, it)
	depth := len(s.queue)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	zap.L().Debug("scheduler: call queued",
		zap.String("stage", meta.Stage),
		zap.String("model", meta.Model),
		zap.Int("queue_length", depth),
	)

	select {
	case out := <-it.result:
		return out.val, out.err
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "scheduler: stopped waiting")
	}
}

// Do is a typed wrapper around Enqueue.
func Do[T any](ctx context.Context, s *Scheduler, meta Metadata, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	val, err := s.Enqueue(ctx, meta, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := val.(T)
	if !ok && val != nil {
		return zero, eris.Errorf("scheduler: unexpected result type %T", val)
	}
	return typed, nil
}

// Status reports the queue length and whether a call is running.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		QueueLength: len(s.queue),
		InProgress:  s.inProgress,
		LastCallAt:  s.lastCall,
		Processed:   s.processed,
	}
}

// Close stops the consumer and fails every call still queued.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.stopped

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, it := range pending {
		it.result <- outcome{err: ErrClosed}
	}
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		it, ok := s.next()
		if !ok {
			return
		}
		if !s.waitSpacing() {
			it.result <- outcome{err: ErrClosed}
			return
		}

		s.mu.Lock()
		s.inProgress = true
		s.mu.Unlock()

		val, err := s.invoke(it)

		// Spacing counts from the end of a call, failed or not.
		s.mu.Lock()
		s.lastCall = s.now()
		s.inProgress = false
		s.processed++
		s.mu.Unlock()

		it.result <- outcome{val: val, err: err}
	}
}

// next blocks until an item is available and pops it.
func (s *Scheduler) next() (*item, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return it, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

func (s *Scheduler) waitSpacing() bool {
	s.mu.Lock()
	wait := s.minSpacing - s.now().Sub(s.lastCall)
	s.mu.Unlock()
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// invoke runs one call, turning a panic into an error for that caller only.
func (s *Scheduler) invoke(it *item) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("scheduler: call panicked",
				zap.String("stage", it.meta.Stage),
				zap.Any("panic", r),
			)
			err = eris.New(fmt.Sprintf("scheduler: call panicked: %v", r))
		}
	}()
	return it.call(s.ctx)
}
