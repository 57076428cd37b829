// Package lock serializes mutation jobs per target path. Parallel jobs
// on different files are safe; two jobs mutating the same file are
// undefined, so the engine refuses the second instead of racing.
package lock

import (
	"fmt"
	"path/filepath"
	"sync"
)

// PathLocks hands out at most one active lock per cleaned absolute path.
type PathLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewPathLocks() *PathLocks {
	return &PathLocks{held: make(map[string]bool)}
}

// Acquire claims path for one mutation job. It fails immediately when
// the path is already claimed; the caller reports the conflict rather
// than queueing behind an in-flight mutation.
func (l *PathLocks) Acquire(path string) (release func(), err error) {
	key, err := canonical(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, fmt.Errorf("another job is already mutating %q", path)
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
