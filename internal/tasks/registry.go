// Package tasks tracks scheduled work per session. Every timer the engine
// arms lives in one registry keyed by session id, so a single call can
// cancel everything a torn down session ever scheduled and no orphaned
// callback can fire afterwards.
package tasks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

type Task struct {
	session string
	name    string
	done    uint32
	stop    func()
	reg     *Registry
}

func (t *Task) Session() string { return t.session }
func (t *Task) Name() string    { return t.name }

// Cancel stops the task. It is safe to call any number of times, also
// after the task has fired.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	if atomic.CompareAndSwapUint32(&t.done, 0, 1) {
		t.stop()
		t.reg.remove(t.session, t.name, t)
	}
}

type Registry struct {
	locker sync.Mutex
	tasks  map[string]map[string]*Task
	logger logr.Logger
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]map[string]*Task),
		logger: logger,
	}
}

// Schedule arms a one shot task. A live task with the same session and
// name is cancelled and replaced. fn runs on the timer goroutine.
func (r *Registry) Schedule(session, name string, d time.Duration, fn func()) *Task {
	t := &Task{session: session, name: name, reg: r}

	timer := time.AfterFunc(d, func() {
		if !atomic.CompareAndSwapUint32(&t.done, 0, 1) {
			return
		}
		r.remove(session, name, t)
		fn()
	})
	t.stop = func() { timer.Stop() }

	r.add(t)
	r.logger.V(1).Info("task scheduled", "session", session, "task", name, "delay", d)

	return t
}

// Every arms a periodic task firing at the given interval until cancelled.
func (r *Registry) Every(session, name string, interval time.Duration, fn func()) *Task {
	t := &Task{session: session, name: name, reg: r}

	stopped := make(chan struct{})
	t.stop = func() { close(stopped) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-stopped:
				return
			}
		}
	}()

	r.add(t)
	r.logger.V(1).Info("periodic task started", "session", session, "task", name, "interval", interval)

	return t
}

// Cancel drops one task by key. It reports whether a live task was found.
func (r *Registry) Cancel(session, name string) bool {
	r.locker.Lock()
	t := r.tasks[session][name]
	r.locker.Unlock()

	if t == nil {
		return false
	}
	t.Cancel()

	return true
}

// CancelSession cancels every task the session still has armed and
// returns how many were live.
func (r *Registry) CancelSession(session string) int {
	r.locker.Lock()
	var pending []*Task
	for _, t := range r.tasks[session] {
		pending = append(pending, t)
	}
	r.locker.Unlock()

	for _, t := range pending {
		t.Cancel()
	}

	if n := len(pending); n > 0 {
		r.logger.V(1).Info("session tasks cancelled", "session", session, "count", n)
	}

	return len(pending)
}

// Active returns the names of the session's live tasks.
func (r *Registry) Active(session string) []string {
	r.locker.Lock()
	defer r.locker.Unlock()

	names := make([]string, 0, len(r.tasks[session]))
	for name := range r.tasks[session] {
		names = append(names, name)
	}

	return names
}

func (r *Registry) Len() int {
	r.locker.Lock()
	defer r.locker.Unlock()

	n := 0
	for _, m := range r.tasks {
		n += len(m)
	}

	return n
}

func (r *Registry) add(t *Task) {
	r.locker.Lock()
	var replaced *Task
	m := r.tasks[t.session]
	if m == nil {
		m = make(map[string]*Task)
		r.tasks[t.session] = m
	} else {
		replaced = m[t.name]
	}
	m[t.name] = t
	r.locker.Unlock()

	if replaced != nil {
		replaced.Cancel()
	}
}

// remove drops t only if it is still the registered task under its key,
// so a replacement scheduled under the same name is left alone.
func (r *Registry) remove(session, name string, t *Task) {
	r.locker.Lock()
	defer r.locker.Unlock()

	if m := r.tasks[session]; m != nil && m[name] == t {
		delete(m, name)
		if len(m) == 0 {
			delete(r.tasks, session)
		}
	}
}
