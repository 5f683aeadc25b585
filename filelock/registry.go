package filelock

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry manages one fair reader/writer lock per file path plus a count
// of active operations on each path. Locks are created on demand and are
// never destroyed; memory growth is bounded by the number of distinct
// paths ever served.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	lock   fairLock
	mu     sync.Mutex
	active int
}

// Stats describes the current state of a Registry.
type Stats struct {
	TotalFileLocks        int `json:"total_file_locks"`
	TotalActiveOperations int `json:"total_active_operations"`
	FilesInUse            int `json:"files_in_use"`
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	logrus.WithFields(logrus.Fields{
		"function": "NewRegistry",
	}).Debug("Creating file lock registry")

	return &Registry{
		entries: make(map[string]*entry),
	}
}

// lookup returns the entry for a path, creating it if necessary. The
// lookup-or-insert is atomic so two callers racing on the same path can
// never observe distinct lock objects.
func (r *Registry) lookup(path string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	if !ok {
		e = &entry{}
		r.entries[path] = e
		logrus.WithFields(logrus.Fields{
			"function": "lookup",
			"path":     path,
		}).Debug("Created new lock for file")
	}
	return e
}

// AcquireRead blocks until a shared lock on path is granted and returns a
// guard that must be released. Multiple readers may hold the same path
// concurrently; none overlaps a writer.
func (r *Registry) AcquireRead(path string) *Guard {
	e := r.lookup(path)
	e.lock.lock(false)
	e.addActive(1)

	logrus.WithFields(logrus.Fields{
		"function":   "AcquireRead",
		"path":       path,
		"active_ops": e.activeCount(),
	}).Debug("Acquired read lock")

	return &Guard{registry: r, entry: e, path: path, writing: false}
}

// AcquireWrite blocks until an exclusive lock on path is granted and
// returns a guard that must be released.
func (r *Registry) AcquireWrite(path string) *Guard {
	e := r.lookup(path)
	e.lock.lock(true)
	e.addActive(1)

	logrus.WithFields(logrus.Fields{
		"function":   "AcquireWrite",
		"path":       path,
		"active_ops": e.activeCount(),
	}).Debug("Acquired write lock")

	return &Guard{registry: r, entry: e, path: path, writing: true}
}

// InUse reports whether path has any active operations.
func (r *Registry) InUse(path string) bool {
	return r.ActiveCount(path) > 0
}

// ActiveCount returns the number of operations currently holding a lock
// on path.
func (r *Registry) ActiveCount(path string) int {
	r.mu.Lock()
	e, ok := r.entries[path]
	r.mu.Unlock()

	if !ok {
		return 0
	}
	return e.activeCount()
}

// Snapshot returns aggregate statistics over every lock ever created.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{TotalFileLocks: len(r.entries)}
	for _, e := range r.entries {
		n := e.activeCount()
		stats.TotalActiveOperations += n
		if n > 0 {
			stats.FilesInUse++
		}
	}
	return stats
}

func (e *entry) addActive(delta int) {
	e.mu.Lock()
	e.active += delta
	e.mu.Unlock()
}

func (e *entry) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Guard represents a held file lock. Release is idempotent and must be
// called on every code path, typically via defer.
type Guard struct {
	registry *Registry
	entry    *entry
	path     string
	writing  bool
	once     sync.Once
}

// Release decrements the active-operation count and releases the
// underlying lock. Calling Release more than once is a no-op.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.entry.addActive(-1)
		g.entry.lock.unlock(g.writing)

		logrus.WithFields(logrus.Fields{
			"function": "Release",
			"path":     g.path,
			"writing":  g.writing,
		}).Debug("Released file lock")
	})
}
