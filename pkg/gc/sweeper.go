// Package gc removes on-disk artifacts the index no longer references.
// Failed adds and out-of-band deletions can leave record files behind;
// the index is authoritative, so anything under a user root it does not
// point at is garbage.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/originfs/ofsd/pkg/index"
)

// Options configures a Sweeper. Lock, when set, is invoked around each
// user's pass so sweeps serialize against in-flight store operations for
// that user; store.Manager.WithUserLock has the right shape. A nil Lock
// runs unsynchronized and is only safe when the store is quiescent.
type Options struct {
	FS     billy.Filesystem
	Index  index.Store
	Lock   func(user string, fn func() error) error
	Logger func(format string, args ...any)
}

// Sweeper walks user roots and removes files the index does not
// reference. Directories are left in place: they may be referenced as
// parent paths even when empty.
type Sweeper struct {
	fs   billy.Filesystem
	idx  index.Store
	lock func(user string, fn func() error) error
	logf func(string, ...any)
}

// NewSweeper wires the data filesystem and index store for sweeping.
func NewSweeper(opts Options) *Sweeper {
	logf := opts.Logger
	if logf == nil {
		logf = log.Printf
	}
	lock := opts.Lock
	if lock == nil {
		lock = func(user string, fn func() error) error { return fn() }
	}
	return &Sweeper{fs: opts.FS, idx: opts.Index, lock: lock, logf: logf}
}

// Sweep performs one pass over every indexed user, returning the number
// of orphaned files removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.fs == nil || s.idx == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	users, err := s.idx.Users(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.sweepUser(ctx, user)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SweepUser removes orphaned files under one user's root.
func (s *Sweeper) SweepUser(ctx context.Context, user string) (int, error) {
	if s.fs == nil || s.idx == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	return s.sweepUser(ctx, user)
}

func (s *Sweeper) sweepUser(ctx context.Context, user string) (int, error) {
	var removed int
	err := s.lock(user, func() error {
		var err error
		removed, err = s.sweepUserLocked(ctx, user)
		return err
	})
	return removed, err
}

func (s *Sweeper) sweepUserLocked(ctx context.Context, user string) (int, error) {
	ix, err := s.idx.Load(ctx, user)
	if err != nil {
		return 0, err
	}
	referenced := make(map[string]bool, ix.Len())
	for _, uuid := range ix.UUIDs() {
		if e, ok := ix.Get(uuid); ok && e.Path != "" {
			referenced[e.Path] = true
		}
	}
	if _, err := s.fs.Stat(user); err != nil {
		return 0, nil
	}
	return s.sweepDir(user, referenced)
}

func (s *Sweeper) sweepDir(dir string, referenced map[string]bool) (int, error) {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, info := range infos {
		p := s.fs.Join(dir, info.Name())
		if info.IsDir() {
			n, err := s.sweepDir(p, referenced)
			removed += n
			if err != nil {
				return removed, err
			}
			continue
		}
		if referenced[p] {
			continue
		}
		if err := s.fs.Remove(p); err != nil {
			s.logf("gc: remove %s: %v", p, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && s.logf != nil {
				s.logf("gc sweep: %v", err)
			} else if n > 0 && s.logf != nil {
				s.logf("gc sweep: removed %d orphaned files", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
