package capture

import "sync"

// Registry enforces at most one running capture per target pid,
// process-wide. The lock is held only for map insert/remove, never
// across blocking operations.
type Registry struct {
	mu     sync.Mutex
	active map[uint32]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[uint32]*Session)}
}

func (r *Registry) acquire(pid uint32, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.active[pid]; taken {
		return ErrConflict
	}
	r.active[pid] = s
	return nil
}

// release removes the registration, but only if it still belongs to s.
func (r *Registry) release(pid uint32, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[pid] == s {
		delete(r.active, pid)
	}
}

// Sessions returns the currently registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s)
	}
	return out
}

// AbortAll begins shutdown of every active session. Used when the server
// itself is exiting; each session's consumer then flushes and finishes.
func (r *Registry) AbortAll(cause error) {
	for _, s := range r.Sessions() {
		s.Abort(cause)
	}
}
