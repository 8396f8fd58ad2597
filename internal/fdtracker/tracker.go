// Package fdtracker is a process-wide registry mapping each file
// descriptor opened through it back to the logical owner that allocated
// it. Services open their PTY pairs through it; descriptors opened
// elsewhere, such as stdin pipes and log files, are not recorded. It
// exists purely as a leak diagnostic: the supervisor
// churns through many short-lived children over its lifetime, and a single
// descriptor leaked on every restart eventually exhausts the process.
package fdtracker

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/creack/pty"
)

// Tracker records the owner of every descriptor opened through it.
// Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	owner map[int]string
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{owner: make(map[int]string)}
}

// Open opens path with the given flag/perm, tagging the resulting
// descriptor with owner for later diagnostics.
func (t *Tracker) Open(owner, path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.owner[int(f.Fd())] = owner
	t.mu.Unlock()
	return f, nil
}

// OpenPTY allocates a PTY pair and tags both ends with owner. Returns the
// master first, slave second, mirroring pty.openpty(3) ordering.
func (t *Tracker) OpenPTY(owner string) (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	t.owner[int(master.Fd())] = owner
	t.owner[int(slave.Fd())] = owner
	t.mu.Unlock()
	return master, slave, nil
}

// Close closes f and removes it from the registry. Closing an
// untracked or already-closed file is a no-op beyond the close itself.
func (t *Tracker) Close(f *os.File) error {
	if f == nil {
		return nil
	}
	fd := int(f.Fd())
	t.mu.Lock()
	delete(t.owner, fd)
	t.mu.Unlock()
	return f.Close()
}

// Dump returns a human-readable snapshot of currently-open descriptors
// grouped by owner, for inclusion in the supervisor's event log.
func (t *Tracker) Dump() string {
	t.mu.Lock()
	byOwner := make(map[string][]int, len(t.owner))
	for fd, owner := range t.owner {
		byOwner[owner] = append(byOwner[owner], fd)
	}
	total := len(t.owner)
	t.mu.Unlock()

	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	out := fmt.Sprintf("allocated fds (%d total):\n", total)
	for _, o := range owners {
		fds := byOwner[o]
		sort.Ints(fds)
		out += fmt.Sprintf("  %s: %v\n", o, fds)
	}
	return out
}

// Count returns the number of currently-tracked descriptors, optionally
// filtered to a single owner (empty string means "all").
func (t *Tracker) Count(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner == "" {
		return len(t.owner)
	}
	n := 0
	for _, o := range t.owner {
		if o == owner {
			n++
		}
	}
	return n
}
