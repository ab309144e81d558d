// Package workerpool provides a bounded worker pool for controlled concurrency.
// The dispense importer uses it to apply CSV batches in parallel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("pool is shutting down")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Error    error
	Data     interface{}
	Duration time.Duration
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// TaskTimeout bounds a single task; zero means no limit
	TaskTimeout time.Duration
	// GracefulShutdownTimeout is how long Stop waits for in-flight tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a bulk import against one database.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               64,
		TaskTimeout:             30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
}

// New creates a new worker pool. Tasks run under ctx; cancelling it aborts
// in-flight work.
func New(ctx context.Context, cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Results returns the result channel. It is closed by Stop once every
// worker has exited, and must be drained by the caller.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop stops accepting tasks, waits for queued ones and closes Results.
// Must be called from the goroutine that submits.
func (p *Pool) Stop() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out, cancelling tasks")
		p.cancel()
		<-done
		err = errors.New("worker pool shutdown timed out")
	}
	p.cancel()
	close(p.resultChan)
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskChan {
		p.resultChan <- p.run(id, task)
	}
}

func (p *Pool) run(workerID int, task *Task) *Result {
	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	var result *Result
	if err := ctx.Err(); err != nil {
		result = &Result{TaskID: task.ID, Error: err}
	} else {
		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID}
		}
	}
	result.Duration = time.Since(start)

	if result.Error != nil {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	} else {
		atomic.AddInt64(&p.tasksCompleted, 1)
	}
	return result
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		Workers:        p.config.Workers,
	}
}
