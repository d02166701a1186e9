package task

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/shellchat/internal/logger"
)

// ErrTooManyTasks is returned by Start when the registry is at MaxTasks.
var ErrTooManyTasks = errors.New("too many running tasks")

// DefaultKillGrace bounds how long a killed task's id stays reserved while
// its body has not returned.
const DefaultKillGrace = time.Minute

// Registry tracks the live tasks of one session by small integer id.
// A task is removed after its completion signal fires. The id of a killed
// task is not handed out again until its body exits or KillGrace passes.
type Registry struct {
	MaxTasks  int           // 0 means unbounded
	KillGrace time.Duration // 0 means wait for the body indefinitely

	mu       sync.Mutex
	live     map[int]*Task
	reserved map[int]struct{}
}

// NewRegistry creates an empty registry with DefaultKillGrace.
func NewRegistry() *Registry {
	return &Registry{
		KillGrace: DefaultKillGrace,
		live:      make(map[int]*Task),
		reserved:  make(map[int]struct{}),
	}
}

// NextID returns the smallest non-negative integer not present in used.
func NextID(used map[int]bool) int {
	id := 0
	for used[id] {
		id++
	}
	return id
}

// Start allocates an id, registers a new task for body and runs it.
func (r *Registry) Start(label string, body Body) (*Task, error) {
	r.mu.Lock()
	if r.MaxTasks > 0 && len(r.live) >= r.MaxTasks {
		r.mu.Unlock()
		return nil, ErrTooManyTasks
	}
	used := make(map[int]bool, len(r.live)+len(r.reserved))
	for id := range r.live {
		used[id] = true
	}
	for id := range r.reserved {
		used[id] = true
	}
	t := New(NextID(used), label, body)
	r.live[t.id] = t
	r.mu.Unlock()

	t.OnDone(r.release)
	t.Start()
	return t, nil
}

// Get returns the live task with the given id.
func (r *Registry) Get(id int) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[id]
	return t, ok
}

// IDs returns a sorted snapshot of live task ids.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	ids := make([]int, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// List returns a snapshot of live tasks ordered by id.
func (r *Registry) List() []*Task {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.live))
	for _, t := range r.live {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	return tasks
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Reserved returns the sorted ids held back for killed tasks that have not
// exited yet.
func (r *Registry) Reserved() []int {
	r.mu.Lock()
	ids := make([]int, 0, len(r.reserved))
	for id := range r.reserved {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// Remove releases a finished task right away instead of in its completion
// callback, for callers that wait on a task and start the next one at once.
// It does nothing for a task that is not done.
func (r *Registry) Remove(t *Task) {
	select {
	case <-t.done:
		r.release(t)
	default:
	}
}

func (r *Registry) release(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.live[t.id]; ok && cur == t {
		delete(r.live, t.id)
	}
	if t.State() != Killed {
		return
	}
	if _, ok := r.reserved[t.id]; ok {
		return
	}
	select {
	case <-t.exited:
	default:
		r.reserved[t.id] = struct{}{}
		go r.reap(t)
	}
}

func (r *Registry) reap(t *Task) {
	var timeout <-chan time.Time
	if r.KillGrace > 0 {
		timer := time.NewTimer(r.KillGrace)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-t.exited:
	case <-timeout:
		logger.Warn("killed task did not exit, releasing id", "task", t.id, "run", t.runID, "label", t.label)
	}
	r.mu.Lock()
	delete(r.reserved, t.id)
	r.mu.Unlock()
}
