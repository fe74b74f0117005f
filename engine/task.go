package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// successText is reported by ErrorText when a task finished without an error.
const successText = "Operation completed successfully."

// errForced is recorded on a task that had to be terminated forcibly.
var errForced = errors.New("task was terminated forcibly")

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// Outcome is the result code a task function returns.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeComplete
	OutcomeTransportError
	OutcomeSinkError
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeTransportError:
		return "transport error"
	case OutcomeSinkError:
		return "sink error"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Priority is the scheduling priority requested for a task. The Go runtime
// schedules goroutines itself, so it is recorded and logged only.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityAboveNormal
)

// TaskControl is handed to a running TaskFunc.
type TaskControl struct {
	ctx  context.Context
	stop *atomic.Bool
}

// Context is cancelled when the task is terminated forcibly.
func (c *TaskControl) Context() context.Context {
	return c.ctx
}

// Stopped reports whether a cooperative stop was requested. Task functions
// must check it at every safe point.
func (c *TaskControl) Stopped() bool {
	return c.stop.Load()
}

// TaskFunc is the work a Task runs on its own goroutine.
type TaskFunc func(tc *TaskControl) (Outcome, error)

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithPriority sets the requested priority.
func WithPriority(p Priority) TaskOption {
	return func(t *Task) {
		t.priority = p
	}
}

// WithForceHook registers a function that is run when the task is terminated
// forcibly. It should release whatever the task function is blocked on, such
// as closing a connection. The hook runs on its own goroutine.
func WithForceHook(hook func()) TaskOption {
	return func(t *Task) {
		t.onForce = hook
	}
}

// WithTaskLogger sets the logger used for lifecycle events.
func WithTaskLogger(log *slog.Logger) TaskOption {
	return func(t *Task) {
		if log != nil {
			t.log = log
		}
	}
}

// Task runs a single function on a separate goroutine and lets the owner
// wait for it, ask it to stop, or abandon it.
//
// A Task is owned by the goroutine that created it. After a forced stop the
// resources the task function was using must be considered unusable.
type Task struct {
	name     string
	fn       TaskFunc
	priority Priority
	onForce  func()
	log      *slog.Logger

	mu      sync.Mutex
	state   TaskState
	outcome Outcome
	err     error
	gen     uint64
	done    chan struct{}
	stop    *atomic.Bool
	cancel  context.CancelFunc
}

// NewTask creates an idle task.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		name: name,
		fn:   fn,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Start launches the task function. It fails with ErrTaskRunning if the task
// is still running. The error text and stop flag of a previous run are reset.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskRunning {
		return ErrTaskRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.gen++
	t.state = TaskRunning
	t.outcome = OutcomeUnknown
	t.err = nil
	t.done = make(chan struct{})
	t.stop = new(atomic.Bool)
	t.cancel = cancel

	tc := &TaskControl{ctx: runCtx, stop: t.stop}
	t.log.Debug("task started", "task", t.name, "priority", int(t.priority))

	go t.run(t.gen, tc)
	return nil
}

func (t *Task) run(gen uint64, tc *TaskControl) {
	outcome, err := t.invoke(tc)
	t.finish(gen, outcome, err)
}

func (t *Task) invoke(tc *TaskControl) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeUnknown
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(tc)
}

func (t *Task) finish(gen uint64, outcome Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A forced stop already settled this run; drop the late result.
	if gen != t.gen || t.state != TaskRunning {
		return
	}

	t.cancel()
	t.outcome = outcome
	t.err = err
	switch outcome {
	case OutcomeComplete:
		t.state = TaskCompleted
	case OutcomeAborted:
		t.state = TaskAborted
	default:
		t.state = TaskFailed
	}
	close(t.done)

	t.log.Debug("task finished", "task", t.name, "outcome", outcome.String())
}

// Join waits up to timeout for the task to reach a terminal state and reports
// whether it did. A timeout <= 0 waits without limit. Join on a task that was
// never started returns false.
func (t *Task) Join(timeout time.Duration) bool {
	return t.JoinSignal(nil, timeout)
}

// JoinSignal is like Join but also returns early when sig fires, so callers
// can react to an abort without waiting for the full timeout.
func (t *Task) JoinSignal(sig SignalView, timeout time.Duration) bool {
	t.mu.Lock()
	state, done := t.state, t.done
	t.mu.Unlock()

	if state == TaskIdle || done == nil {
		return false
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var sigC <-chan struct{}
	if sig != nil {
		sigC = sig.Done()
	}

	select {
	case <-done:
		return true
	case <-sigC:
	case <-timeoutC:
	}

	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Stop requests a cooperative stop and waits up to timeout for the task to
// exit. If it is still running and force is set, the task is terminated: its
// context is cancelled, the force hook runs, and the goroutine is abandoned.
// Stop on a task that is not running is a no-op and returns true.
func (t *Task) Stop(timeout time.Duration, force bool) bool {
	t.mu.Lock()
	if t.state != TaskRunning {
		t.mu.Unlock()
		return true
	}
	stop := t.stop
	t.mu.Unlock()

	stop.Store(true)

	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	if t.Join(timeout) {
		return true
	}
	if !force {
		return false
	}

	t.terminate()
	return t.Join(0)
}

func (t *Task) terminate() {
	t.mu.Lock()
	if t.state != TaskRunning {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.cancel()
	t.state = TaskAborted
	t.outcome = OutcomeAborted
	t.err = errForced
	close(t.done)
	hook := t.onForce
	t.mu.Unlock()

	t.log.Warn("task terminated forcibly", "task", t.name)
	if hook != nil {
		go hook()
	}
}

// IsRunning reports whether the task is running.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TaskRunning
}

// StopRequested reports whether a cooperative stop is pending on a running task.
func (t *Task) StopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TaskRunning && t.stop.Load()
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the outcome of the last run, or OutcomeUnknown while the
// task has not reached a terminal state.
func (t *Task) Result() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.terminal() {
		return OutcomeUnknown
	}
	return t.outcome
}

// Err returns the error captured by the last run, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.terminal() {
		return nil
	}
	return t.err
}

// ErrorText returns the captured error message of the last run. It never
// returns an empty string for a finished task.
func (t *Task) ErrorText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.terminal() {
		return ""
	}
	if t.err == nil || t.err.Error() == "" {
		return successText
	}
	return t.err.Error()
}

// Forced reports whether the last run ended in a forced termination.
func (t *Task) Forced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Is(t.err, errForced)
}

func (t *Task) terminal() bool {
	return t.state == TaskCompleted || t.state == TaskFailed || t.state == TaskAborted
}
