// Package lock provides in-process keyed mutexes and the cooperative
// LOCKS/<name>.lock markers that serialize contract runs sharing a resource.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/taskexec/internal/model"
)

// MutexMap hands out one mutex per key, created on first use.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) {
	m.get(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.get(key).Unlock()
}

func (m *MutexMap) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// Holder is written into the marker file for operators inspecting LOCKS/.
type Holder struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ResourceLock is one held advisory marker. It binds only processes that use
// the same LOCKS directory convention.
type ResourceLock struct {
	name string
	path string

	mu       sync.Mutex
	released bool
}

func (l *ResourceLock) Name() string { return l.name }
func (l *ResourceLock) Path() string { return l.path }

// Acquire creates LOCKS/<name>.lock exclusively. An existing marker means the
// lock is held and yields a SecurityError wrapping ErrLockHeld.
func Acquire(dir, name, owner string) (*ResourceLock, error) {
	if err := model.ValidateName("lock", name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	path := filepath.Join(dir, name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder := ""
			if h, rerr := ReadHolder(path); rerr == nil {
				holder = fmt.Sprintf(" by %s (pid %d)", h.Owner, h.PID)
			}
			return nil, model.NewSecurityError(model.ErrLockHeld, "lock %q already held%s", name, holder)
		}
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	data, _ := json.Marshal(Holder{Name: name, Owner: owner, PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
	_, werr := f.Write(append(data, '\n'))
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock %s: %w", path, werr)
	}
	return &ResourceLock{name: name, path: path}, nil
}

// Release removes the marker. Releasing twice, or releasing a marker that is
// already gone, is not an error.
func (l *ResourceLock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// ReadHolder decodes a marker file.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, fmt.Errorf("decode lock %s: %w", path, err)
	}
	return h, nil
}

// LockSet is the group of locks held by one run.
type LockSet struct {
	locks []*ResourceLock
}

// AcquireAll takes every named lock or none: on the first failure the locks
// already taken are released before the error is returned.
func AcquireAll(dir string, names []string, owner string) (*LockSet, error) {
	set := &LockSet{}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		l, err := Acquire(dir, name, owner)
		if err != nil {
			if rerr := set.Release(); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return nil, err
		}
		set.locks = append(set.locks, l)
	}
	return set, nil
}

// Names lists held lock names in acquisition order.
func (s *LockSet) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.locks))
	for i, l := range s.locks {
		out[i] = l.name
	}
	return out
}

// Release releases every lock in reverse order, continuing past failures.
func (s *LockSet) Release() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.locks) - 1; i >= 0; i-- {
		if err := s.locks[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithLocks holds all named locks for the duration of fn. The locks are
// released on every exit path, including a panic in fn.
func WithLocks(dir string, names []string, owner string, fn func(*LockSet) error) (err error) {
	set, err := AcquireAll(dir, names, owner)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := set.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(set)
}
