package dispatch

import (
	"github.com/cyberinferno/wsrelay/session"
	"github.com/cyberinferno/wsrelay/targetset"
)

// Targets addresses a delivery: every live session, or only the sessions
// whose IDs are in an explicit set. The zero value means all.
type Targets struct {
	set *targetset.TargetSet
}

// All addresses every live session.
func All() Targets {
	return Targets{}
}

// Only addresses the live sessions with the given IDs.
func Only(ids ...string) Targets {
	return Targets{set: targetset.New(ids...)}
}

// To addresses the live sessions whose IDs are in set. A nil set addresses
// nobody.
func To(set *targetset.TargetSet) Targets {
	if set == nil {
		set = targetset.New()
	}

	return Targets{set: set}
}

// IsAll reports whether t addresses every session.
func (t Targets) IsAll() bool {
	return t.set == nil
}

// Includes reports whether s is addressed by t.
func (t Targets) Includes(s *session.Session) bool {
	return t.set == nil || t.set.Contains(s.ID())
}
