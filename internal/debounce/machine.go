// Package debounce stabilises a noisy per-frame candidate into a state that
// only changes after consistent evidence.
package debounce

import "sync"

const (
	// Other means no state matched with confidence.
	Other = "OTHER"
	// Unknown marks an acquisition failure. The machine never produces it.
	Unknown = "UNKNOWN"
)

// Snapshot is a copy of the machine's counters.
type Snapshot struct {
	Current    string         `json:"current"`
	HitStreaks map[string]int `json:"hit_streaks"`
	MissStreak int            `json:"miss_streak"`
}

// Machine is the hysteresis state machine. It is safe for concurrent use.
type Machine struct {
	confirm int
	drop    int

	mu      sync.Mutex
	current string
	hits    map[string]int
	misses  int
}

// New creates a machine in the Other state. Values below 1 are treated as 1.
func New(confirmFrames, dropFrames int) *Machine {
	return &Machine{
		confirm: max(confirmFrames, 1),
		drop:    max(dropFrames, 1),
		current: Other,
		hits:    make(map[string]int),
	}
}

// Update feeds one candidate (a state name or Other) and returns the
// stabilised state.
func (m *Machine) Update(candidate string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if candidate == Other {
		m.misses++
		clear(m.hits)
		if m.current != Other && m.misses >= m.drop {
			m.current = Other
		}
		return m.current
	}

	streak := m.hits[candidate] + 1
	clear(m.hits)
	m.hits[candidate] = streak
	m.misses = 0

	if candidate != m.current && streak >= m.confirm {
		m.current = candidate
	}
	return m.current
}

// Current returns the stabilised state.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns a copy of the counters.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	hits := make(map[string]int, len(m.hits))
	for k, v := range m.hits {
		hits[k] = v
	}
	return Snapshot{Current: m.current, HitStreaks: hits, MissStreak: m.misses}
}
