package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/chatgate/internal/metrics"
	"github.com/harun/chatgate/internal/tracing"
)

var (
	ErrClosed      = errors.New("command queue is closed")
	ErrLaneCleared = errors.New("lane cleared")
	ErrLaneReset   = errors.New("lane reset")
)

const tracerName = "chatgate.commandqueue"

// Task is one unit of work run on a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tune a single task. OnWait fires once if the task is still
// queued after WarnAfterMs.
type TaskOptions struct {
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

type taskRecord struct {
	id         string
	lane       string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan taskResult
	warn       *time.Timer
}

type taskResult struct {
	value interface{}
	err   error
}

// CommandQueue runs tasks on named lanes. Each lane starts its tasks in
// arrival order, up to its concurrency limit.
type CommandQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*lane
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// tasks queued or running, and a channel closed while that is zero
	idleMu  sync.Mutex
	pending int
	idle    chan struct{}

	events eventBus
}

// New creates an empty CommandQueue. Lanes are created on first use with
// concurrency 1.
func New() *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &CommandQueue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}
}

func (cq *CommandQueue) lane(name string) *lane {
	cq.mu.RLock()
	l, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return l
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok = cq.lanes[name]; !ok {
		l = newLane(name)
		cq.lanes[name] = l
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return l
}

func (cq *CommandQueue) lookup(name string) (*lane, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	l, ok := cq.lanes[name]
	return l, ok
}

// Enqueue queues task on lane and waits for its result or for ctx to end.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, opts *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	rec, err := cq.push(ctx, lane, task, opts)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-rec.result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit queues task on lane without waiting. The task keeps ctx's values
// but not its cancellation.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, opts *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := cq.push(tracing.Detach(ctx), lane, task, opts)
	return err
}

func (cq *CommandQueue) push(ctx context.Context, laneName string, task Task, opts *TaskOptions) (*taskRecord, error) {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	id := fmt.Sprintf("%s-%d", laneName, cq.seq)
	cq.mu.Unlock()

	rec := &taskRecord{
		id:         id,
		lane:       laneName,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	cq.track(1)
	l := cq.lane(laneName)
	depth := l.enqueue(rec)
	metrics.SetQueueDepth(laneName, depth)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", laneName).
		Str("taskId", id).
		Int("queueSize", depth).
		Msg("Task enqueued")
	cq.events.emit(Event{Type: EventEnqueued, Lane: laneName, TaskID: id, QueueSize: depth})

	if opts != nil && opts.WarnAfterMs > 0 {
		rec.warn = time.AfterFunc(time.Duration(opts.WarnAfterMs)*time.Millisecond, func() {
			cq.warnWaiting(l, rec, opts.OnWait)
		})
	}

	cq.pump(l)
	return rec, nil
}

// pump starts whatever l can run now.
func (cq *CommandQueue) pump(l *lane) {
	start, stale, depth := l.admit()
	for _, rec := range stale {
		cq.reject(rec, ErrLaneReset)
	}
	for _, rec := range start {
		if rec.warn != nil {
			rec.warn.Stop()
		}
		cq.wg.Add(1)
		go cq.run(l, rec)
	}
	metrics.SetQueueDepth(l.name, depth)
}

func (cq *CommandQueue) run(l *lane, rec *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(rec.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", l.name),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)

	began := time.Now()
	value, err := safeRun(runCtx, rec.task)
	took := time.Since(began)

	stop()
	cancel()

	l.finish(rec.id)
	rec.result <- taskResult{value: value, err: err}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("lane", l.name).
		Str("taskId", rec.id).
		Dur("duration", took).
		Logger()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Task failed")
	} else {
		logger.Debug().Msg("Task completed")
	}
	metrics.RecordTask(took, err == nil)
	cq.events.emit(Event{Type: EventCompleted, Lane: l.name, TaskID: rec.id, Duration: took, Err: err})

	cq.track(-1)
	cq.pump(l)
}

func safeRun(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) reject(rec *taskRecord, err error) {
	if rec.warn != nil {
		rec.warn.Stop()
	}
	rec.result <- taskResult{err: err}
	cq.track(-1)
}

func (cq *CommandQueue) warnWaiting(l *lane, rec *taskRecord, onWait func(int64, int)) {
	pos := l.position(rec.id)
	if pos < 0 {
		return
	}
	waitMs := time.Since(rec.enqueuedAt).Milliseconds()
	log.Warn().
		Str("lane", l.name).
		Str("taskId", rec.id).
		Int64("waitMs", waitMs).
		Int("queuePos", pos).
		Msg("Task waiting longer than expected")
	if onWait != nil {
		onWait(waitMs, pos)
	}
}

func (cq *CommandQueue) track(delta int) {
	cq.idleMu.Lock()
	defer cq.idleMu.Unlock()
	was := cq.pending
	cq.pending += delta
	switch {
	case was == 0 && cq.pending > 0:
		cq.idle = make(chan struct{})
	case was > 0 && cq.pending == 0:
		close(cq.idle)
	}
}

// Queued returns the number of waiting tasks on lane.
func (cq *CommandQueue) Queued(lane string) int {
	if l, ok := cq.lookup(lane); ok {
		return l.stats().Queued
	}
	return 0
}

// Running returns the number of executing tasks on lane.
func (cq *CommandQueue) Running(lane string) int {
	if l, ok := cq.lookup(lane); ok {
		return l.stats().Running
	}
	return 0
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	lanes := make([]*lane, 0, len(cq.lanes))
	for _, l := range cq.lanes {
		lanes = append(lanes, l)
	}
	cq.mu.RUnlock()

	out := make(map[string]LaneStats, len(lanes))
	for _, l := range lanes {
		out[l.name] = l.stats()
	}
	return out
}

// ClearLane rejects the waiting tasks of lane with ErrLaneCleared and
// returns how many there were. Running tasks are left alone.
func (cq *CommandQueue) ClearLane(lane string) int {
	l, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	dropped, _ := l.drain(false)
	for _, rec := range dropped {
		cq.reject(rec, ErrLaneCleared)
	}
	metrics.SetQueueDepth(lane, 0)
	log.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	return len(dropped)
}

// ResetLane rejects the waiting tasks of lane with ErrLaneReset and starts
// a new generation.
func (cq *CommandQueue) ResetLane(lane string) {
	l, ok := cq.lookup(lane)
	if !ok {
		return
	}
	dropped, gen := l.drain(true)
	for _, rec := range dropped {
		cq.reject(rec, ErrLaneReset)
	}
	metrics.SetQueueDepth(lane, 0)
	log.Info().Str("lane", lane).Int("generation", gen).Msg("Lane reset")
}

// SetConcurrency changes how many tasks lane runs at once. Values below
// one are raised to one.
func (cq *CommandQueue) SetConcurrency(lane string, n int) {
	if n < 1 {
		n = 1
	}
	l := cq.lane(lane)
	old := l.setLimit(n)
	log.Info().Str("lane", lane).Int("oldMax", old).Int("newMax", n).Msg("Lane concurrency updated")
	if n > old {
		cq.pump(l)
	}
}

// WaitForActive blocks until no task is queued or running, or timeout
// passes. It reports whether the queue drained.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	cq.idleMu.Lock()
	idle := cq.idle
	cq.idleMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close rejects new tasks, cancels running ones and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()
	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On subscribes handler to events of type t.
func (cq *CommandQueue) On(t EventType, handler EventHandler) {
	cq.events.on(t, handler)
}

// Off removes every handler for t.
func (cq *CommandQueue) Off(t EventType) {
	cq.events.off(t)
}
