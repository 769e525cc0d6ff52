package watcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/prefstore/internal/backend"
)

// Source produces raw change notifications for backend keys.
type Source interface {
	// Run watches until ctx is cancelled, sending the key of every
	// observed change to out. It returns nil when ctx is cancelled and an
	// error when the watch fails.
	Run(ctx context.Context, out chan<- string) error
}

// FSNotifySource watches the directory of a FileStore using fsnotify.
type FSNotifySource struct {
	store *backend.FileStore
}

// NewFSNotifySource creates a source over store's directory.
func NewFSNotifySource(store *backend.FileStore) *FSNotifySource {
	return &FSNotifySource{store: store}
}

// Run implements Source. The directory is created if missing so the
// watch can be (re)established before the first write.
func (s *FSNotifySource) Run(ctx context.Context, out chan<- string) error {
	dir := s.store.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return ErrWatchLost
			}
			if ev.Name == dir && ev.Has(fsnotify.Remove|fsnotify.Rename) {
				return ErrWatchLost
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			key, ok := s.store.KeyForPath(ev.Name)
			if !ok {
				continue
			}
			select {
			case out <- key:
			case <-ctx.Done():
				return nil
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return ErrWatchLost
			}
			return err
		}
	}
}

// PollSource detects changes in any Store by periodically diffing a
// snapshot of every key and value.
type PollSource struct {
	store    backend.Store
	interval time.Duration
}

// NewPollSource creates a polling source. A non-positive interval uses one
// second.
func NewPollSource(store backend.Store, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollSource{store: store, interval: interval}
}

// Run implements Source.
func (s *PollSource) Run(ctx context.Context, out chan<- string) error {
	prev, err := s.snapshot()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cur, err := s.snapshot()
		if err != nil {
			return err
		}
		for _, key := range diff(prev, cur) {
			select {
			case out <- key:
			case <-ctx.Done():
				return nil
			}
		}
		prev = cur
	}
}

func (s *PollSource) snapshot() (map[string]string, error) {
	keys, err := s.store.Keys()
	if err != nil {
		return nil, err
	}
	snap := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.store.Read(k); ok {
			snap[k] = v
		}
	}
	return snap, nil
}

// diff returns the keys added, removed or changed between two snapshots.
func diff(prev, cur map[string]string) []string {
	var keys []string
	for k, v := range cur {
		if old, ok := prev[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}
