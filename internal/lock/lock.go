package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrBusy is returned when another backup operation holds the guard.
var ErrBusy = errors.New("another backup operation is in progress")

// Guard serialises backup operations inside one process (mutex) and across
// processes sharing the backup directory (file lock).
type Guard struct {
	mu   sync.Mutex
	path string
	held string
	hmu  sync.Mutex
}

// New returns a guard backed by the lock file at path. An empty path falls
// back to a lock file in the OS temp dir.
func New(path string) *Guard {
	if path == "" {
		path = filepath.Join(os.TempDir(), "ibk.lock")
	}
	return &Guard{path: path}
}

// Acquire obtains the guard for the named operation without waiting. The
// returned release func must be called exactly once.
func (g *Guard) Acquire(op string) (func(), error) {
	if !g.mu.TryLock() {
		return nil, fmt.Errorf("%w (%s running)", ErrBusy, g.Holder())
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o750); err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	file := flock.New(g.path)
	ok, err := file.TryLock()
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", g.path, err)
	}
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w (lock: %s)", ErrBusy, g.path)
	}
	g.setHolder(op)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.setHolder("")
			_ = file.Unlock()
			g.mu.Unlock()
		})
	}, nil
}

// Holder names the operation currently holding the guard in this process.
func (g *Guard) Holder() string {
	g.hmu.Lock()
	defer g.hmu.Unlock()
	return g.held
}

// Busy reports whether an operation in this process holds the guard.
func (g *Guard) Busy() bool {
	return g.Holder() != ""
}

func (g *Guard) setHolder(op string) {
	g.hmu.Lock()
	g.held = op
	g.hmu.Unlock()
}
