// Package jobqueue runs the periodic maintenance tasks of the rotation
// service. Each task gets its own ticker goroutine; actual executions share
// a bounded worker pool so a slow database cannot pile up goroutines.
package jobqueue

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is a named function run on a fixed interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func() error
	// OnError is called with the task name when Run returns an error.
	// Optional, used for failure counters.
	OnError func(name string)
}

// Runner schedules tasks until Stop is called. A task whose previous
// execution is still in flight is skipped for that tick rather than queued.
type Runner struct {
	logger   *slog.Logger
	sem      chan struct{}
	quitChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	tasks   []Task
}

// NewRunner creates a runner whose task executions are capped at maxWorkers
// concurrent runs.
func NewRunner(maxWorkers int, logger *slog.Logger) *Runner {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:   logger.With("service", "jobqueue"),
		sem:      make(chan struct{}, maxWorkers),
		quitChan: make(chan struct{}),
	}
}

// AddTask registers a task. Must be called before Start.
func (r *Runner) AddTask(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no run function", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %q has non-positive interval %v", t.Name, t.Interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot add task %q after start", t.Name)
	}
	r.tasks = append(r.tasks, t)
	return nil
}

// Start launches one ticker goroutine per registered task.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := range r.tasks {
		task := r.tasks[i]
		r.wg.Add(1)
		go r.loop(task)
		r.logger.Info("task scheduled", "task", task.Name, "interval", task.Interval)
	}
}

// Stop signals all task loops to exit and waits for in-flight executions.
// Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.quitChan)
	r.wg.Wait()
}

func (r *Runner) loop(task Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	running := false
	done := make(chan struct{}, 1)

	for {
		select {
		case <-r.quitChan:
			if running {
				<-done
			}
			return
		case <-done:
			running = false
		case <-ticker.C:
			if running {
				continue
			}
			select {
			case r.sem <- struct{}{}:
			default:
				// Pool exhausted, try again next tick.
				continue
			}
			running = true
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() { <-r.sem }()
				defer func() { done <- struct{}{} }()
				r.execute(task)
			}()
		}
	}
}

func (r *Runner) execute(task Task) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked",
				"task", task.Name,
				"panic", p,
				"stack", string(debug.Stack()))
			if task.OnError != nil {
				task.OnError(task.Name)
			}
		}
	}()

	if err := task.Run(); err != nil {
		r.logger.Error("task failed", "task", task.Name, "error", err)
		if task.OnError != nil {
			task.OnError(task.Name)
		}
	}
}
