package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Task is one long-running operation handed to the queue
type Task struct {
	ID      string
	Kind    string // "deploy", "update", "backup", ...
	AppID   string
	Payload map[string]string
	Attempt int
}

// Handler executes one task kind
type Handler func(ctx context.Context, task Task) error

// ResultFunc receives the final outcome of a task after all retries
type ResultFunc func(task Task, err error)

// Backlog keeps per-task retry state. Sharing it (see RedisBacklog) lets a
// restarted worker see how many attempts a task already burned.
type Backlog interface {
	SaveAttempt(ctx context.Context, taskID string, attempt int) error
	Clear(ctx context.Context, taskID string) error
}

// Queue runs long-running operations with retry and exponential backoff
type Queue struct {
	handlers   map[string]Handler
	handlersMu sync.RWMutex
	backlog    Backlog
	onResult   ResultFunc
	maxRetries int
	backoff    time.Duration
	logger     *logrus.Logger

	ch     chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates a task queue backed by the given backlog
func NewQueue(backlog Backlog, maxRetries int, backoff time.Duration, logger *logrus.Logger) *Queue {
	if backlog == nil {
		backlog = newMemoryBacklog()
	}
	return &Queue{
		handlers:   make(map[string]Handler),
		backlog:    backlog,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		ch:         make(chan Task, 64),
		stopCh:     make(chan struct{}),
	}
}

// Register binds a handler to a task kind
func (q *Queue) Register(kind string, handler Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[kind] = handler
}

// WithResultFunc sets the completion/failure callback
func (q *Queue) WithResultFunc(fn ResultFunc) *Queue {
	q.onResult = fn
	return q
}

// Start launches n worker goroutines
func (q *Queue) Start(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop stops accepting work and waits for in-flight tasks
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

// Enqueue submits a task. The returned id identifies it in logs and the
// backlog.
func (q *Queue) Enqueue(task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	q.handlersMu.RLock()
	_, ok := q.handlers[task.Kind]
	q.handlersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for task kind %q", task.Kind)
	}

	select {
	case q.ch <- task:
		return task.ID, nil
	case <-q.stopCh:
		return "", fmt.Errorf("queue is stopped")
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case task := <-q.ch:
			q.run(ctx, task)
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// run executes one task with retry and exponential backoff
func (q *Queue) run(ctx context.Context, task Task) {
	q.handlersMu.RLock()
	handler := q.handlers[task.Kind]
	q.handlersMu.RUnlock()

	var err error
	delay := q.backoff

	for task.Attempt = 1; task.Attempt <= q.maxRetries+1; task.Attempt++ {
		if saveErr := q.backlog.SaveAttempt(ctx, task.ID, task.Attempt); saveErr != nil {
			q.logger.WithError(saveErr).WithField("task", task.ID).Warn("Failed to persist task attempt")
		}

		err = handler(ctx, task)
		if err == nil {
			break
		}

		q.logger.WithError(err).WithField("task", task.ID).WithField("kind", task.Kind).
			Warnf("Task attempt %d failed", task.Attempt)

		if task.Attempt > q.maxRetries {
			break
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			err = ctx.Err()
			task.Attempt = q.maxRetries + 2 // stop retrying
		case <-q.stopCh:
			err = fmt.Errorf("queue stopped during retry")
			task.Attempt = q.maxRetries + 2
		}
	}

	if clearErr := q.backlog.Clear(context.Background(), task.ID); clearErr != nil {
		q.logger.WithError(clearErr).WithField("task", task.ID).Warn("Failed to clear task backlog")
	}
	if q.onResult != nil {
		q.onResult(task, err)
	}
}

// memoryBacklog is the default single-process backlog
type memoryBacklog struct {
	mu       sync.Mutex
	attempts map[string]int
}

func newMemoryBacklog() *memoryBacklog {
	return &memoryBacklog{attempts: make(map[string]int)}
}

func (b *memoryBacklog) SaveAttempt(ctx context.Context, taskID string, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[taskID] = attempt
	return nil
}

func (b *memoryBacklog) Clear(ctx context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, taskID)
	return nil
}
