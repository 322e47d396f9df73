package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

const defaultTaskHistory = 32

// BackgroundTask records one side-channel job such as a transcript summary.
type BackgroundTask struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	DoneAt    time.Time  `json:"done_at,omitempty"`
}

// TaskFunc is the body of a side-channel job.
type TaskFunc func(ctx context.Context) (string, error)

// BackgroundExecutor runs best-effort jobs off the pipeline goroutine.
// At most one job per key runs at a time; failures and panics are recorded
// on the task and logged, never returned to the submitter.
type BackgroundExecutor struct {
	mu      sync.Mutex
	tasks   map[string]*BackgroundTask
	running map[string]string // key -> task id
	history int
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewBackgroundExecutor(logger *slog.Logger) *BackgroundExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundExecutor{
		tasks:   make(map[string]*BackgroundTask),
		running: make(map[string]string),
		history: defaultTaskHistory,
		logger:  logger,
	}
}

// Submit starts fn unless a job with the same key is still running, in which
// case it returns the running job's id and false.
func (be *BackgroundExecutor) Submit(ctx context.Context, key string, fn TaskFunc) (string, bool) {
	be.mu.Lock()
	if id, busy := be.running[key]; busy {
		be.mu.Unlock()
		be.logger.Debug("background task already running", "key", key, "id", id)
		return id, false
	}
	task := &BackgroundTask{
		ID:        uuid.NewString(),
		Key:       key,
		Status:    TaskRunning,
		StartedAt: time.Now(),
	}
	be.tasks[task.ID] = task
	be.running[key] = task.ID
	be.wg.Add(1)
	be.mu.Unlock()

	go func() {
		defer be.wg.Done()
		result, err := safeRun(ctx, fn)
		be.finish(task, result, err)
	}()
	return task.ID, true
}

func safeRun(ctx context.Context, fn TaskFunc) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (be *BackgroundExecutor) finish(task *BackgroundTask, result string, err error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	task.DoneAt = time.Now()
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		be.logger.Warn("background task failed", "key", task.Key, "err", err)
	} else {
		task.Status = TaskComplete
		task.Result = result
		be.logger.Debug("background task done", "key", task.Key, "took", task.DoneAt.Sub(task.StartedAt))
	}
	delete(be.running, task.Key)
	be.prune()
}

// prune drops the oldest finished records beyond the history limit.
// Caller holds mu.
func (be *BackgroundExecutor) prune() {
	var done []*BackgroundTask
	for _, t := range be.tasks {
		if t.Status != TaskRunning {
			done = append(done, t)
		}
	}
	if len(done) <= be.history {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].DoneAt.Before(done[j].DoneAt) })
	for _, t := range done[:len(done)-be.history] {
		delete(be.tasks, t.ID)
	}
}

// Wait blocks until every submitted job has returned.
func (be *BackgroundExecutor) Wait() {
	be.wg.Wait()
}

func (be *BackgroundExecutor) Get(id string) (BackgroundTask, bool) {
	be.mu.Lock()
	defer be.mu.Unlock()
	t, ok := be.tasks[id]
	if !ok {
		return BackgroundTask{}, false
	}
	return *t, true
}

// List returns known tasks, oldest first.
func (be *BackgroundExecutor) List() []BackgroundTask {
	be.mu.Lock()
	out := make([]BackgroundTask, 0, len(be.tasks))
	for _, t := range be.tasks {
		out = append(out, *t)
	}
	be.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Running reports whether a job with key is in flight.
func (be *BackgroundExecutor) Running(key string) bool {
	be.mu.Lock()
	defer be.mu.Unlock()
	_, ok := be.running[key]
	return ok
}
