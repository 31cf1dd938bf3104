// Package dispatcher provides the bounded FIFO worker pool that feeds queued
// tasks to the execution engine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/repository"
	"github.com/loadbay/loadbay/pkg/runlock"
)

// TaskTopic carries task identifiers from submitters to worker pools. The
// transport behind it is pluggable: an in-memory channel for single-node
// deployments, Kafka for distributed ones.
const TaskTopic = "loadbay.tasks"

const (
	defaultWorkers      = 4
	defaultQueueBound   = 256
	defaultRequeueDelay = 500 * time.Millisecond
)

// ErrQueueSaturated indicates the pending queue hit its configured bound.
// Submit fails fast instead of growing unbounded; the caller sees it as a
// backpressure signal.
var ErrQueueSaturated = errors.New("dispatch queue saturated")

// Runner executes one task to a terminal state. Implemented by engine.Engine.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Config tunes the worker pool.
type Config struct {
	Workers      int
	QueueBound   int
	RequeueDelay time.Duration
}

// Dispatcher pulls submitted task IDs off the queue with a fixed number of
// worker goroutines. Tasks are handled FIFO by submission order; a task whose
// run lock is busy goes to the back of the queue after a short delay instead
// of blocking its slot, so one busy definition never starves the others.
type Dispatcher struct {
	cfg        Config
	publisher  message.Publisher
	subscriber message.Subscriber
	locker     runlock.Locker
	runner     Runner
	repo       repository.TaskRepository
	logger     *slog.Logger

	queued atomic.Int64
	wg     sync.WaitGroup
}

func NewDispatcher(
	cfg Config,
	publisher message.Publisher,
	subscriber message.Subscriber,
	locker runlock.Locker,
	runner Runner,
	repo repository.TaskRepository,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if cfg.QueueBound <= 0 {
		cfg.QueueBound = defaultQueueBound
	}

	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = defaultRequeueDelay
	}

	return &Dispatcher{
		cfg:        cfg,
		publisher:  publisher,
		subscriber: subscriber,
		locker:     locker,
		runner:     runner,
		repo:       repo,
		logger:     logger.With("module", "dispatcher"),
	}
}

// Submit enqueues a pending task for execution.
func (d *Dispatcher) Submit(ctx context.Context, taskID string) error {
	if d.queued.Load() >= int64(d.cfg.QueueBound) {
		return fmt.Errorf("%w: %d tasks pending", ErrQueueSaturated, d.cfg.QueueBound)
	}

	d.queued.Add(1)

	err := d.publish(taskID)
	if err != nil {
		d.queued.Add(-1)

		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}

	return nil
}

// Start subscribes to the task topic and launches the worker pool. It returns
// immediately; workers stop when ctx is cancelled and the subscription
// closes.
func (d *Dispatcher) Start(ctx context.Context) error {
	messages, err := d.subscriber.Subscribe(ctx, TaskTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task topic: %w", err)
	}

	for range d.cfg.Workers {
		d.wg.Add(1)

		go d.worker(ctx, messages)
	}

	d.logger.InfoContext(ctx, "dispatcher started", "workers", d.cfg.Workers, "queue_bound", d.cfg.QueueBound)

	return nil
}

// Wait blocks until all workers have drained after the subscription closed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, messages <-chan *message.Message) {
	defer d.wg.Done()

	for msg := range messages {
		d.handle(ctx, string(msg.Payload))
		// Requeueing is handled internally; a negative ack would replay the
		// same message immediately and defeat the back-of-queue policy.
		msg.Ack()
	}
}

func (d *Dispatcher) handle(ctx context.Context, taskID string) {
	d.queued.Add(-1)

	logger := d.logger.With("task_id", taskID)

	task, err := d.repo.Get(ctx, taskID)
	if err != nil {
		if repository.IsTaskNotFound(err) {
			logger.ErrorContext(ctx, "queued task record missing, dropping", "error", err)

			return
		}

		// Transient storage failure. Dropping here would strand the record in
		// pending with nothing left to re-dispatch it.
		logger.ErrorContext(ctx, "failed to load queued task, requeueing", "error", err)
		d.requeue(taskID)

		return
	}

	if task.Status != models.TaskStatusPending {
		// Cancelled (or otherwise resolved) while waiting in the queue.
		logger.InfoContext(ctx, "queued task no longer pending, dropping", "status", task.Status)

		return
	}

	handle, err := d.locker.Acquire(ctx, task.DefinitionName)
	if err != nil {
		if runlock.IsBusy(err) {
			logger.DebugContext(ctx, "definition busy, requeueing", "definition", task.DefinitionName)
			d.requeue(taskID)

			return
		}

		logger.ErrorContext(ctx, "failed to acquire run lock, requeueing", "error", err)
		d.requeue(taskID)

		return
	}

	defer handle.Release()

	err = d.runner.Run(ctx, taskID)
	if err != nil {
		logger.ErrorContext(ctx, "task run failed", "error", err)
	}
}

// requeue moves a task to the back of the queue after a short delay. The
// retry count is unbounded: the lock holder's run is itself bounded by the
// execution timeout, so a queued task always gets its turn eventually.
func (d *Dispatcher) requeue(taskID string) {
	d.queued.Add(1)

	time.AfterFunc(d.cfg.RequeueDelay, func() {
		err := d.publish(taskID)
		if err != nil {
			d.queued.Add(-1)
			d.logger.Error("failed to requeue task", "task_id", taskID, "error", err)
		}
	})
}

func (d *Dispatcher) publish(taskID string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(taskID))

	return d.publisher.Publish(TaskTopic, msg)
}
