// Package ledger remembers which files of a session were already handled and
// when. Entries are keyed by relative path.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Roelanb/limsnode/internal/rules"
)

// ErrLocked is returned when another process holds the ledger.
var ErrLocked = errors.New("ledger is locked by another process")

// Entry is one handled file.
type Entry struct {
	Path string
	At   time.Time
}

// Ledger maps relative paths to the time they were last handled.
// Implementations are safe for concurrent use.
type Ledger interface {
	Lookup(path string) (time.Time, bool)
	// Record stores at for path durably before returning.
	Record(path string, at time.Time) error
	// Entries returns every entry ordered by time, then path.
	Entries() []Entry
	Close() error
}

// ShouldTransfer applies a rule condition to the ledger state of a file
// last modified at mtime. IfMissing callers additionally check the target.
func ShouldTransfer(cond rules.Condition, at time.Time, seen bool, mtime time.Time) bool {
	switch cond {
	case rules.Always:
		return true
	case rules.IfNewer:
		return !seen || at.Before(mtime)
	default:
		return !seen
	}
}

// ShouldConsume is the sniffer's variant: with reconsume a file changed
// after it was handled is offered again.
func ShouldConsume(at time.Time, seen bool, mtime time.Time, reconsume bool) bool {
	return !seen || (reconsume && at.Before(mtime))
}

// Memory is a ledger that lives for the process only.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]time.Time{}}
}

func (m *Memory) Lookup(path string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.entries[path]
	return at, ok
}

func (m *Memory) Record(path string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = at
	return nil
}

func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEntries(m.entries)
}

func (m *Memory) Close() error { return nil }

func sortedEntries(m map[string]time.Time) []Entry {
	out := make([]Entry, 0, len(m))
	for p, at := range m {
		out = append(out, Entry{Path: p, At: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Path < out[j].Path
	})
	return out
}
