package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"

	"github.com/getsentry/sentry-go"
)

// Worker polls the queue and executes tasks.
type Worker struct {
	id       string
	queue    Queue
	handlers map[TaskType]Handler

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	concurrency       int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WorkerConfig configures the task worker.
type WorkerConfig struct {
	ID           string
	Queue        Queue
	PollInterval time.Duration
	Concurrency  int
	// HeartbeatInterval is how often a running task is heartbeated. 0 means 1 minute.
	HeartbeatInterval time.Duration
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Minute
	}

	return &Worker{
		id:                cfg.ID,
		queue:             cfg.Queue,
		handlers:          make(map[TaskType]Handler),
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		concurrency:       cfg.Concurrency,
		stopCh:            make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task type. Must be called before Start.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	logger.Debug().
		Str("type", string(h.Type())).
		Msg("taskqueue: registered handler")
}

// Start begins processing tasks.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		logger.Warn().Msg("taskqueue: worker started with no handlers")
		return
	}

	logger.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Int("handlers", len(types)).
		Msg("taskqueue: worker starting")

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.work(ctx, types)
	}
}

// Stop gracefully shuts down the worker, waiting for running tasks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	logger.Info().Str("worker_id", w.id).Msg("taskqueue: worker stopped")
}

func (w *Worker) work(ctx context.Context, types []TaskType) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain the queue before waiting for the next tick
			for w.processOne(ctx, types) {
				select {
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne handles a single task and reports whether one was found.
func (w *Worker) processOne(ctx context.Context, types []TaskType) bool {
	task, err := w.queue.Dequeue(ctx, w.id, types...)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
			DequeueErrors.Inc()
			logger.Error().Err(err).Msg("taskqueue: dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		logger.Error().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: no handler for task type")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		w.queue.Fail(ctx, task.ID, Permanent(errors.New("no handler registered")))
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Msg("taskqueue: processing task")

	start := time.Now()
	WorkerActive.Inc()
	err = w.run(ctx, handler, task)
	WorkerActive.Dec()
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Int("attempt", task.Attempts).
			Msg("taskqueue: task failed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "failed").Inc()
		if ferr := w.queue.Fail(context.WithoutCancel(ctx), task.ID, err); ferr != nil {
			logger.Error().Err(ferr).Str("task_id", task.ID).Msg("taskqueue: failed to record failure")
		}
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Dur("took", time.Since(start)).
		Msg("taskqueue: task completed")
	TasksProcessedTotal.WithLabelValues(string(task.Type), "completed").Inc()
	if cerr := w.queue.Complete(context.WithoutCancel(ctx), task.ID); cerr != nil {
		logger.Error().Err(cerr).Str("task_id", task.ID).Msg("taskqueue: failed to mark task complete")
	}
	return true
}

// run invokes the handler with a heartbeat running alongside. A panic in the
// handler is reported and turned into a permanent failure so the worker survives.
func (w *Worker) run(ctx context.Context, handler Handler, task *Task) (err error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeat(hbCtx, task.ID)
	}()
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
	}()

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			logger.Error().
				Str("task_id", task.ID).
				Str("type", string(task.Type)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("taskqueue: handler panicked")
			TasksProcessedTotal.WithLabelValues(string(task.Type), "panic").Inc()
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return handler.Handle(ctx, task)
}

func (w *Worker) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, taskID, w.id); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Str("task_id", taskID).Msg("taskqueue: heartbeat failed")
			}
		}
	}
}

// Queue returns the underlying queue.
func (w *Worker) Queue() Queue {
	return w.queue
}

// HandlerTypes returns the task types this worker handles.
func (w *Worker) HandlerTypes() []TaskType {
	types := make([]TaskType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}
