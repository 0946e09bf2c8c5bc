// Package targetset holds explicit sets of session identities used to address
// a broadcast to a subset of live sessions.
package targetset

import "sync"

// TargetSet is a thread-safe set of session IDs.
type TargetSet struct {
	m map[string]struct{}
	sync.RWMutex
}

// New creates a TargetSet holding ids.
//
// Parameters:
//   - ids: Initial members; duplicates collapse
//
// Returns:
//   - A new TargetSet
func New(ids ...string) *TargetSet {
	s := &TargetSet{m: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.m[id] = struct{}{}
	}

	return s
}

// Add adds id to the set.
func (s *TargetSet) Add(id string) {
	s.Lock()
	defer s.Unlock()
	s.m[id] = struct{}{}
}

// Remove removes id from the set.
func (s *TargetSet) Remove(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.m, id)
}

// Contains reports whether id is a member.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - true if the set contains id
func (s *TargetSet) Contains(id string) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.m[id]
	return ok
}

// Size returns the number of members.
func (s *TargetSet) Size() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// Intersection returns a new set with the IDs present in both s and other.
//
// Parameters:
//   - other: The other set to intersect with
//
// Returns:
//   - A new TargetSet containing the common members
func (s *TargetSet) Intersection(other *TargetSet) *TargetSet {
	if s == other {
		return New(s.Members()...)
	}

	s.RLock()
	defer s.RUnlock()
	other.RLock()
	defer other.RUnlock()

	result := New()
	for k := range s.m {
		if _, ok := other.m[k]; ok {
			result.m[k] = struct{}{}
		}
	}

	return result
}

// Members returns the IDs in unspecified order.
func (s *TargetSet) Members() []string {
	s.RLock()
	defer s.RUnlock()

	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}

	return out
}
