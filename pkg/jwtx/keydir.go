package jwtx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadKeyDir reads every *.pem file in dir. The kid is the file name without
// extension, and the result is sorted by kid so the last element is the
// newest key.
func LoadKeyDir(dir string) ([]*Key, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, fmt.Errorf("jwtx: glob %s: %w", dir, err)
	}
	sort.Strings(matches)

	keys := make([]*Key, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path) // #nosec G304 -- operator controlled directory
		if err != nil {
			return nil, fmt.Errorf("jwtx: read %s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("jwtx: stat %s: %w", path, err)
		}
		kid := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		k, err := NewKey(kid, data, info.ModTime())
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoActiveKey, dir)
	}
	return keys, nil
}

// DirWatcher keeps a KeyRing in sync with a directory of PEM keys. The
// newest file signs; the rest verify. Removed files stay trusted for
// Overlap.
type DirWatcher struct {
	Ring     *KeyRing
	Dir      string
	Overlap  time.Duration
	Debounce time.Duration
	Logger   *slog.Logger
}

// Reload reads the directory and installs it into the ring.
func (w *DirWatcher) Reload() error {
	keys, err := LoadKeyDir(w.Dir)
	if err != nil {
		return err
	}
	active := keys[len(keys)-1]
	snap := w.Ring.Install(active, keys[:len(keys)-1], w.Overlap)
	w.logger().Info("signing keys reloaded",
		slog.String("dir", w.Dir),
		slog.String("active_kid", active.KID),
		slog.Uint64("version", snap.Version),
		slog.Int("trusted", len(snap.trusted)),
	)
	return nil
}

// Run watches the directory until ctx is done. Bursts of events are
// coalesced into one reload. A failed reload keeps the previous snapshot.
func (w *DirWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jwtx: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("jwtx: watch %s: %w", w.Dir, err)
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("jwtx: watcher closed")
			}
			if filepath.Ext(ev.Name) != ".pem" {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("jwtx: watcher closed")
			}
			w.logger().Warn("key directory watch error", slog.Any("error", err))
		case <-timer.C:
			if err := w.Reload(); err != nil {
				w.logger().Error("signing key reload failed", slog.Any("error", err))
			}
		}
	}
}

func (w *DirWatcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
