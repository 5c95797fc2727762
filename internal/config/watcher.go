package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher re-reads the config file while the bridge runs and reports each
// valid change as a [ConfigDiff] against the config in effect. Only the log
// level can be applied live; the handler decides what to do with the rest.
//
// An edit that fails to parse or validate is logged and ignored, so a typo in
// the file never replaces a working config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(d ConfigDiff, cfg *Config)

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher watches path, treating current as the config already in effect.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, current *Config, onChange func(ConfigDiff, *Config), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}
	if data, err := os.ReadFile(path); err == nil {
		w.sum = sha256.Sum256(data)
	}
	return w
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Check re-reads the file once. It reports true when a new valid config was
// applied. A file whose modification time or content is unchanged is not
// parsed again.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.modTime = info.ModTime()
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	cfg, err := parse(w.path, data)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.sum = sum
	w.mu.Unlock()

	d := ConfigDiff{}
	if old != nil {
		d = Diff(old, cfg)
	}
	slog.Info("config reloaded", "path", w.path, "restart_required", d.RequiresRestart())
	if w.onChange != nil {
		w.onChange(d, cfg)
	}
	return true, nil
}
