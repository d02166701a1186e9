package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Task.
//
// Lifecycle: created -> running -> completed | cancelled | killed
type State int32

const (
	Created State = iota
	Running
	Completed
	Cancelled
	Killed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Killed:
		return "killed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s is one of the final states.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Killed
}

// Body is the work a Task runs on its own goroutine. ctx is cancelled as soon
// as the task is stopped or killed; bodies wait on it at every checkpoint.
type Body func(ctx context.Context, t *Task) error

// Task is one asynchronous operation with a cancellation flag and a
// completion signal that fires exactly once.
type Task struct {
	id    int
	label string
	runID string
	body  Body

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	state     atomic.Int32

	mu         sync.Mutex
	err        error
	finished   bool
	killed     bool
	onDone     []func(*Task)
	onAbort    []func()
	startedAt  time.Time
	finishedAt time.Time

	done   chan struct{}
	exited chan struct{}
}

// New creates a task in the Created state. Call Start to run it.
func New(id int, label string, body Body) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:     id,
		label:  label,
		runID:  uuid.NewString(),
		body:   body,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (t *Task) ID() int { return t.id }

func (t *Task) Label() string { return t.label }

// RunID is unique across the process lifetime, unlike ID.
func (t *Task) RunID() string { return t.runID }

func (t *Task) State() State { return State(t.state.Load()) }

// Cancelled reports whether Stop or Kill has been called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Exited is closed once the body goroutine has returned. For a killed task
// this can happen long after Done, or never.
func (t *Task) Exited() <-chan struct{} { return t.exited }

// Err returns the error the body returned, if any. Only meaningful after Done.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Start runs the body on a dedicated goroutine. Calling Start more than once,
// or after Kill, does nothing.
func (t *Task) Start() {
	if !t.state.CompareAndSwap(int32(Created), int32(Running)) {
		return
	}
	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()
	go t.run()
}

func (t *Task) run() {
	defer close(t.exited)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %d panicked: %v", t.id, r)
			}
		}()
		err = t.body(t.ctx, t)
	}()
	t.cancel()

	if t.cancelled.Load() {
		t.finish(Cancelled, err)
		return
	}
	t.finish(Completed, err)
}

// Stop asks the body to end at its next checkpoint. The completion signal
// fires when the body returns, with state Cancelled. Safe to call repeatedly.
func (t *Task) Stop() {
	t.cancelled.Store(true)
	t.cancel()
}

// Kill cancels the task, runs its abort hooks and fires the completion signal
// right away with state Killed, without waiting for the body to return.
// Output the body has buffered but not delivered may be lost.
func (t *Task) Kill() {
	t.cancelled.Store(true)
	t.cancel()
	neverStarted := t.state.CompareAndSwap(int32(Created), int32(Killed))

	t.mu.Lock()
	if t.killed || t.finished {
		t.mu.Unlock()
		return
	}
	t.killed = true
	hooks := t.onAbort
	t.onAbort = nil
	t.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	t.finish(Killed, nil)
	if neverStarted {
		close(t.exited)
	}
}

// OnDone registers fn to run after the completion signal fires. fn runs on
// the goroutine that completed the task; if the task is already done fn runs
// immediately on the caller's goroutine.
func (t *Task) OnDone(fn func(*Task)) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.onDone = append(t.onDone, fn)
	t.mu.Unlock()
}

// OnAbort registers fn to run when the task is killed, typically to tear down
// a remote connection the body is blocked on. If the task was already killed
// fn runs immediately.
func (t *Task) OnAbort(fn func()) {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		fn()
		return
	}
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.onAbort = append(t.onAbort, fn)
	t.mu.Unlock()
}

// Wait blocks until the task is done or ctx ends.
func (t *Task) Wait(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		return t.State(), t.Err()
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

func (t *Task) finish(s State, err error) bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.finished = true
	t.state.Store(int32(s))
	t.err = err
	t.finishedAt = time.Now()
	callbacks := t.onDone
	t.onDone = nil
	t.onAbort = nil
	t.mu.Unlock()

	close(t.done)
	for _, fn := range callbacks {
		fn(t)
	}
	return true
}
