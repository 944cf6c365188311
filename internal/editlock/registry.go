// Package editlock implements the single-writer edit lock for
// projects: one editor per project, a heartbeat keeping the lock
// alive, and a FIFO queue of waiters promoted when the lock lapses.
// State is process-local and lost on restart.
package editlock

import (
	"errors"
	"sync"
	"time"
)

// EditTimeout is how long an editor or waiter survives without a
// heartbeat before the lock lapses or the queue entry is pruned.
const EditTimeout = 30 * time.Second

var (
	// ErrNoSession is returned by Guard when the project has never
	// been opened for editing in this process.
	ErrNoSession = errors.New("no edit session for project")
	// ErrNotEditor is returned by Guard when someone other than the
	// caller holds the lock.
	ErrNotEditor = errors.New("another user is editing the project")
)

// Status is the view returned to a caller after a registry transition.
type Status struct {
	CanEdit bool
	Editor  string
	Notify  bool
	InQueue bool
	// BecameEditorAfterQueue is set when the caller was promoted from
	// the waiting queue, as opposed to taking a free or lapsed lock
	// directly.
	BecameEditorAfterQueue bool
}

type waiter struct {
	user          string
	lastHeartbeat time.Time
}

// session records persist for the lifetime of the process; only the
// editor field is reassigned. Keeping the record avoids dropping
// queued waiters across a transient empty state.
type session struct {
	mu            sync.Mutex
	editor        string
	lastHeartbeat time.Time
	waiting       []waiter
}

// Registry is the process-wide table of edit sessions keyed by
// project. Each session carries its own lock so transitions on
// unrelated projects never serialize against each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock injects the clock, for tests.
func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		now:      now,
	}
}

func (r *Registry) session(project string, create bool) *session {
	r.mu.RLock()
	s, ok := r.sessions[project]
	r.mu.RUnlock()
	if ok || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[project]; ok {
		return s
	}
	s = &session{}
	r.sessions[project] = s
	return s
}

// Has reports whether the project has a session record. Heartbeats are
// only valid against projects that have been opened at least once.
func (r *Registry) Has(project string) bool {
	return r.session(project, false) != nil
}

// Acquire runs the request-access transition for an edit-capable user
// and returns their resulting view of the lock. The session record is
// created lazily on first call.
//
// The whole read-check-modify sequence holds the session lock so two
// callers can never both conclude they are the editor. Arrival order
// into that lock is the only tie-break between simultaneous requests.
func (r *Registry) Acquire(project, user string) Status {
	s := r.session(project, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	var status Status

	switch {
	case s.editor == "":
		// Free lock: the caller becomes editor immediately and is not
		// notified, they never had to wait.
		s.editor = user
		s.lastHeartbeat = now
		status.CanEdit = true

	case now.Sub(s.lastHeartbeat) > EditTimeout:
		// The holder lapsed. Promote the first waiter that is itself
		// still alive; with no live waiters the caller takes the lock
		// directly.
		next, promoted := s.promote(now)
		if !promoted {
			next = user
		}
		s.editor = next
		s.lastHeartbeat = now
		status.CanEdit = next == user
		status.Notify = next == user
		status.BecameEditorAfterQueue = promoted && next == user

	case s.editor == user:
		s.lastHeartbeat = now
		status.CanEdit = true

	default:
		// Held by someone else: join the queue, or refresh our entry.
		joined := true
		for i := range s.waiting {
			if s.waiting[i].user == user {
				s.waiting[i].lastHeartbeat = now
				joined = false
				break
			}
		}
		if joined {
			s.waiting = append(s.waiting, waiter{user: user, lastHeartbeat: now})
			status.Notify = true
		}
	}

	s.prune(now)
	status.Editor = s.editor
	status.InQueue = s.queued(user)
	return status
}

// Observe returns the current lock view without mutating anything.
// Used for callers lacking edit capability; they are never queued.
func (r *Registry) Observe(project string) Status {
	s := r.session(project, false)
	if s == nil {
		return Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Editor: s.editor}
}

// HeldBy reports the recorded editor and whether their heartbeat is
// still within EditTimeout. A stale record names its last editor but
// is not live.
func (r *Registry) HeldBy(project string) (editor string, live bool) {
	s := r.session(project, false)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editor == "" {
		return "", false
	}
	return s.editor, r.now().Sub(s.lastHeartbeat) <= EditTimeout
}

// Guard is the authoritative pre-mutation check: the project must have
// a session and the caller must be its current editor. A passing check
// counts as editor liveness and refreshes the heartbeat.
func (r *Registry) Guard(project, user string) error {
	s := r.session(project, false)
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editor != user {
		return ErrNotEditor
	}
	s.lastHeartbeat = r.now()
	return nil
}

// Forget drops a project's session record. Only called when the
// project itself is deleted; lapsed sessions are otherwise kept.
func (r *Registry) Forget(project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, project)
}

// promote pops waiters in FIFO order until one with a live heartbeat
// is found. Dead entries are discarded along the way.
func (s *session) promote(now time.Time) (string, bool) {
	for len(s.waiting) > 0 {
		head := s.waiting[0]
		s.waiting = s.waiting[1:]
		if now.Sub(head.lastHeartbeat) < EditTimeout {
			return head.user, true
		}
	}
	return "", false
}

func (s *session) prune(now time.Time) {
	kept := s.waiting[:0]
	for _, entry := range s.waiting {
		if now.Sub(entry.lastHeartbeat) < EditTimeout {
			kept = append(kept, entry)
		}
	}
	s.waiting = kept
}

func (s *session) queued(user string) bool {
	for _, entry := range s.waiting {
		if entry.user == user {
			return true
		}
	}
	return false
}
