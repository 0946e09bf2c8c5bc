// Package registry tracks the live sessions of a relay. The registry is built
// on sync.Map so that enumeration for broadcasts never blocks concurrent
// connects and disconnects.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/cyberinferno/wsrelay/session"
)

// Registry is a concurrent set of live sessions, safe for use by multiple
// goroutines. Membership is keyed by the session value itself, so two
// sessions that happen to share an ID are still tracked separately.
//
// Registry must not be copied after first use. Add, Remove and Contains are
// amortized O(1); Snapshot, Len and Range are O(n).
type Registry struct {
	m sync.Map // *session.Session -> struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Add inserts s. Adding a session that is already present is a no-op.
//
// Parameters:
//   - s: The session to register
func (r *Registry) Add(s *session.Session) {
	r.m.Store(s, struct{}{})
}

// Remove deletes s if present. Removing an absent session is a no-op, so the
// close-frame and error paths may both call it.
//
// Parameters:
//   - s: The session to remove
//
// Returns:
//   - true if s was present and has been removed by this call
func (r *Registry) Remove(s *session.Session) bool {
	_, loaded := r.m.LoadAndDelete(s)
	return loaded
}

// Contains reports whether s is registered.
func (r *Registry) Contains(s *session.Session) bool {
	_, ok := r.m.Load(s)
	return ok
}

// Range calls f for each registered session until f returns false. Sessions
// added or removed during the call may or may not be visited.
//
// Parameters:
//   - f: Function called for each session; return false to stop iteration
func (r *Registry) Range(f func(s *session.Session) bool) {
	r.m.Range(func(k, _ any) bool {
		return f(k.(*session.Session))
	})
}

// Snapshot returns the registered sessions ordered by connection time, then
// by ID. The slice is owned by the caller.
//
// Returns:
//   - A point-in-time copy of the membership
func (r *Registry) Snapshot() []*session.Session {
	var out []*session.Session
	r.Range(func(s *session.Session) bool {
		out = append(out, s)
		return true
	})

	slices.SortFunc(out, func(a, b *session.Session) int {
		if c := a.ConnectedAt().Compare(b.ConnectedAt()); c != 0 {
			return c
		}
		if a.ID() < b.ID() {
			return -1
		}
		if a.ID() > b.ID() {
			return 1
		}
		return 0
	})

	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	r.Range(func(*session.Session) bool {
		n++
		return true
	})

	return n
}

// Oldest returns the connection time of the longest-lived session, or the zero
// time when empty.
func (r *Registry) Oldest() time.Time {
	var oldest time.Time
	r.Range(func(s *session.Session) bool {
		if oldest.IsZero() || s.ConnectedAt().Before(oldest) {
			oldest = s.ConnectedAt()
		}
		return true
	})

	return oldest
}
