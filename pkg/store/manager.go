package store

import (
	"log"
	"os"
	"sync"

	billy "github.com/go-git/go-billy/v5"

	"github.com/originfs/ofsd/pkg/index"
)

// Manager hands out adapters with per-user mutual exclusion, so index
// load-mutate-save cycles and uniqueness-probe-then-create sequences never
// interleave for the same user. Different users proceed in parallel.
type Manager struct {
	fs  billy.Filesystem
	idx index.Store
	log *log.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewManager returns a Manager over the data filesystem and index store.
func NewManager(fs billy.Filesystem, idx index.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Manager{
		fs:    fs,
		idx:   idx,
		log:   logger,
		users: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) userLock(user string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.users[user]
	if !ok {
		lock = &sync.Mutex{}
		m.users[user] = lock
	}
	return lock
}

// WithUserLock runs fn while holding user's lock, without building an
// adapter. It lets maintenance passes (the gc sweeper) serialize against
// in-flight operations for the same user.
func (m *Manager) WithUserLock(user string, fn func() error) error {
	normalized, err := NormalizeUser(user)
	if err != nil {
		return err
	}
	lock := m.userLock(normalized)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// WithUser runs fn with an adapter bound to user while holding that user's
// lock.
func (m *Manager) WithUser(user string, fn func(*Adapter) error) error {
	normalized, err := NormalizeUser(user)
	if err != nil {
		return err
	}
	lock := m.userLock(normalized)
	lock.Lock()
	defer lock.Unlock()
	adapter, err := NewAdapter(m.fs, m.idx, normalized, m.log)
	if err != nil {
		return err
	}
	return fn(adapter)
}
