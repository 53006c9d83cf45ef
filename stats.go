package txkv

import "sync/atomic"

// Stats holds lightweight in-process counters for a Manager's lifetime,
// exposed for a caller's own metrics pipeline. Not persisted, not shared
// across processes — a supplement to the protocol, not part of it.
type Stats struct {
	created    atomic.Uint64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
	swept      atomic.Uint64
}

func (s *Stats) incCreated()    { s.created.Add(1) }
func (s *Stats) incCommitted()  { s.committed.Add(1) }
func (s *Stats) incRolledBack() { s.rolledBack.Add(1) }
func (s *Stats) incSwept()      { s.swept.Add(1) }

// Snapshot is a point-in-time copy of a Stats' counters.
type Snapshot struct {
	Created    uint64
	Committed  uint64
	RolledBack uint64
	Swept      uint64
}

// Stats returns a snapshot of this Manager's transaction counters.
func (m *Manager) Stats() Snapshot {
	return Snapshot{
		Created:    m.stats.created.Load(),
		Committed:  m.stats.committed.Load(),
		RolledBack: m.stats.rolledBack.Load(),
		Swept:      m.stats.swept.Load(),
	}
}
