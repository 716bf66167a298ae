package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the current config byte for byte.
var ErrUnchanged = errors.New("config: file unchanged")

// Watcher keeps the most recent valid config loaded from a file. [Watcher.Run]
// polls the file's mtime; [Watcher.Reload] forces a reread, e.g. on SIGHUP.
// An invalid edit is logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)
	log      *slog.Logger

	// reload serialises rereads so onChange observes configs in order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	hash    [sha256.Size]byte
	mtime   time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval of [Watcher.Run]. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads and validates the config at path. onChange may be nil; it
// is called only for reloads whose [Diff] is non-empty.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.hash, w.mtime = snap.cfg, snap.hash, snap.mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		info, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			continue
		}
		w.mu.Lock()
		touched := !info.ModTime().Equal(w.mtime)
		w.mu.Unlock()
		if !touched {
			continue
		}
		if _, err := w.Reload(); err != nil && !errors.Is(err, ErrUnchanged) {
			w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
	}
}

// Reload rereads the file now. On success it swaps the current config, runs
// onChange when something hot-reloadable changed and returns the diff. A
// read or validation error leaves the current config untouched.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	snap, err := readSnapshot(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		w.mu.Unlock()
		return ConfigDiff{}, ErrUnchanged
	}
	old := w.current
	w.current, w.hash = snap.cfg, snap.hash
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	if d.Empty() {
		w.log.Info("config watcher: file changed; nothing hot-reloadable", "path", w.path)
		return d, nil
	}
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"rate_limit_changed", d.RateLimitChanged,
		"agent_changes", len(d.AgentChanges),
	)
	if w.onChange != nil {
		w.onChange(old, snap.cfg, d)
	}
	return d, nil
}

type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
