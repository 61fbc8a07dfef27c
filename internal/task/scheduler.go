// Package task implements the cooperative loop that owns extension, event and
// window state.
//
// All state shared between extensions and the host is touched only from the
// loop goroutine started by Scheduler.Run. Other goroutines (IPC connections,
// file watchers, worker offloads) hand work to the loop with Post, Schedule or
// Call instead of locking that state directly.
package task

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default scheduler settings.
const (
	DefaultTick      = 16 * time.Millisecond
	DefaultQueueSize = 4096
)

// Func is one unit of scheduled work. The context is cancelled when the task
// is cancelled or the scheduler shuts down.
type Func func(ctx context.Context) error

// PendingTask is a tracked handle to one unit of asynchronous work.
type PendingTask struct {
	id     string
	name   string
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	once sync.Once
	err  error
}

// ID returns the unique task identifier.
func (t *PendingTask) ID() string { return t.id }

// Name returns the name the task was scheduled under.
func (t *PendingTask) Name() string { return t.name }

// Done is closed once the task has completed or been cancelled.
func (t *PendingTask) Done() <-chan struct{} { return t.done }

// Err returns the task result. Only meaningful after Done is closed.
func (t *PendingTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel cancels the task context. A task that has not started yet completes
// with ErrCancelled when the loop reaches it.
func (t *PendingTask) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx is done.
func (t *PendingTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *PendingTask) finish(err error) {
	t.once.Do(func() {
		t.err = err
		t.cancel()
		close(t.done)
	})
}

// item is one queued loop entry: either a tracked task or a plain callback.
type item struct {
	task *PendingTask
	fn   func()
}

// Scheduler runs fire-and-forget work on a single logical thread and tracks
// it so shutdown can cancel whatever is still outstanding.
type Scheduler struct {
	mu      sync.Mutex
	queue   []item
	tracked map[string]*PendingTask
	closed  bool
	idle    chan struct{}

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	tick     time.Duration
	maxQueue int
	pump     func()
	logger   zerolog.Logger

	scheduled atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	cancelled atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the frame interval at which the pump runs.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithQueueSize bounds the loop backlog. Zero means unbounded.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxQueue = n
		}
	}
}

// WithPump sets the callback run once per frame, before queued work.
func WithPump(fn func()) Option {
	return func(s *Scheduler) {
		s.pump = fn
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a scheduler. Nothing runs until Run is called (or RunPending,
// for callers that drive the loop themselves).
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tracked:    make(map[string]*PendingTask),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
		tick:       DefaultTick,
		maxQueue:   DefaultQueueSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the loop on the calling goroutine until ctx is done or Shutdown
// is called. It may only be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.stopped)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.RunPending()
			return nil
		case <-s.quit:
			return nil
		case <-s.wake:
			s.RunPending()
		case <-ticker.C:
			if s.pump != nil {
				s.pump()
			}
			s.RunPending()
		}
	}
}

// RunPending executes the work queued so far and returns how many entries ran.
// Work queued while the batch runs is left for the next call. It must only be
// called from the loop goroutine, or when Run is not active.
func (s *Scheduler) RunPending() int {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, it := range batch {
		if it.task != nil {
			s.execute(it.task)
			continue
		}
		s.runCallback(it.fn)
	}
	return len(batch)
}

// Drain runs queued work until the queue stays empty.
func (s *Scheduler) Drain() int {
	total := 0
	for {
		n := s.RunPending()
		if n == 0 {
			return total
		}
		total += n
	}
}

// Schedule queues fn as a tracked task on the loop.
func (s *Scheduler) Schedule(name string, fn Func) (*PendingTask, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	t := s.newTask(name, fn)

	s.mu.Lock()
	if err := s.admitLocked(); err != nil {
		s.mu.Unlock()
		t.cancel()
		return nil, err
	}
	s.tracked[t.id] = t
	s.queue = append(s.queue, item{task: t})
	s.mu.Unlock()

	s.scheduled.Add(1)
	s.signal()
	return t, nil
}

// Go runs fn as a tracked task on its own goroutine, for work that would
// stall the loop (subprocesses, network I/O). When fn returns, then is posted
// back onto the loop with the result.
func (s *Scheduler) Go(name string, fn Func, then func(error)) (*PendingTask, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	t := s.newTask(name, fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.cancel()
		return nil, ErrSchedulerClosed
	}
	s.tracked[t.id] = t
	s.mu.Unlock()
	s.scheduled.Add(1)

	go func() {
		err := s.invoke(t)
		s.complete(t, err)
		if then != nil {
			if perr := s.Post(func() { then(err) }); perr != nil {
				s.logger.Debug().Str("task", t.name).Err(perr).Msg("dropping completion callback")
			}
		}
	}()
	return t, nil
}

// Post queues an untracked callback on the loop.
func (s *Scheduler) Post(fn func()) error {
	if fn == nil {
		return ErrNilFunc
	}
	s.mu.Lock()
	if err := s.admitLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.queue = append(s.queue, item{fn: fn})
	s.mu.Unlock()

	s.signal()
	return nil
}

// Call runs fn on the loop and waits for its result. It must not be called
// from the loop goroutine.
func (s *Scheduler) Call(ctx context.Context, fn func() error) error {
	if fn == nil {
		return ErrNilFunc
	}
	result := make(chan error, 1)
	err := s.Post(func() {
		result <- s.protect("call", fn)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case err := <-result:
			return err
		default:
			return ErrSchedulerClosed
		}
	}
}

// Pending returns the number of tracked tasks that have not completed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// Closed reports whether Shutdown has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting work, cancels every tracked task and waits until
// they finish or ctx expires. Queued callbacks that never ran are dropped.
// It must not be called from the loop goroutine.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.baseCancel()
	for _, it := range queued {
		if it.task != nil {
			s.cancelled.Add(1)
			s.complete(it.task, ErrCancelled)
		}
	}

	s.mu.Lock()
	var idle chan struct{}
	if len(s.tracked) > 0 {
		s.idle = make(chan struct{})
		idle = s.idle
	}
	s.mu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			s.logger.Warn().Int("pending", s.Pending()).Msg("tasks still running at shutdown")
			return ErrShutdownTimeout
		}
	}

	if s.running.Load() {
		select {
		case <-s.stopped:
		case <-ctx.Done():
			return ErrShutdownTimeout
		}
	}
	return nil
}

// Stats holds scheduler counters.
type Stats struct {
	Scheduled uint64
	Completed uint64
	Failed    uint64
	Panicked  uint64
	Cancelled uint64
	Pending   int
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled: s.scheduled.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Panicked:  s.panicked.Load(),
		Cancelled: s.cancelled.Load(),
		Pending:   s.Pending(),
	}
}

func (s *Scheduler) newTask(name string, fn Func) *PendingTask {
	ctx, cancel := context.WithCancel(s.baseCtx)
	return &PendingTask{
		id:     uuid.NewString(),
		name:   name,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) admitLocked() error {
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.maxQueue > 0 && len(s.queue) >= s.maxQueue {
		return ErrQueueFull
	}
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) execute(t *PendingTask) {
	if t.ctx.Err() != nil {
		s.cancelled.Add(1)
		s.complete(t, ErrCancelled)
		return
	}
	s.complete(t, s.invoke(t))
}

func (s *Scheduler) invoke(t *PendingTask) error {
	return s.protect(t.name, func() error { return t.fn(t.ctx) })
}

// protect runs fn, converting a panic into a *PanicError.
func (s *Scheduler) protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panicked.Add(1)
			err = &PanicError{Task: name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

func (s *Scheduler) runCallback(fn func()) {
	err := s.protect("callback", func() error {
		fn()
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("loop callback panicked")
	}
}

func (s *Scheduler) complete(t *PendingTask, err error) {
	s.mu.Lock()
	delete(s.tracked, t.id)
	if s.idle != nil && len(s.tracked) == 0 {
		close(s.idle)
		s.idle = nil
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.completed.Add(1)
	case errors.Is(err, ErrCancelled):
	default:
		s.failed.Add(1)
		s.logger.Debug().Str("task", t.name).Err(err).Msg("task failed")
	}
	t.finish(err)
}
