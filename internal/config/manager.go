package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"

	"github.com/btouchard/tidings/internal/notifier"
)

var _ notifier.Settings = (*Manager)(nil)

const defaultDebounce = 250 * time.Millisecond

// Manager holds the live configuration and reloads it when the config file
// changes. It serves the notifier's retention settings straight from the
// current config, so limit changes apply to the next write.
type Manager struct {
	explicit string
	debounce time.Duration

	mu  sync.RWMutex
	cfg *Config
}

// Open loads the configuration. With a non-empty path only that file is
// read and watched; otherwise the layered search paths are used and the
// highest-priority existing file is watched.
func Open(path string) (*Manager, error) {
	m := &Manager{explicit: path, debounce: defaultDebounce}
	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Manager) load() (*Config, error) {
	if m.explicit != "" {
		return LoadFromFile(m.explicit)
	}
	return Load()
}

// Path returns the file Watch follows, or "" when no config file exists.
func (m *Manager) Path() string {
	if m.explicit != "" {
		return m.explicit
	}
	return activePath()
}

// Current returns the active configuration. Callers must not modify it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) MaxMessagesPerJob() int { return m.Current().Notifier.MaxMessagesPerJob }
func (m *Manager) MaxJobsPerType() int    { return m.Current().Notifier.MaxJobsPerType }
func (m *Manager) MaxAgeDays() int        { return m.Current().Notifier.MaxAgeDays }
func (m *Manager) GistOverviewEnabled() bool {
	return m.Current().Notifier.GistOverview
}
func (m *Manager) CleanAfterIdleTime() time.Duration {
	return m.Current().Notifier.CleanAfterIdle
}

// Reload re-reads the configuration. An invalid file leaves the current
// configuration in place.
func (m *Manager) Reload() error {
	cfg, err := m.load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg
	if reflect.DeepEqual(old, cfg) {
		m.mu.Unlock()
		slog.Debug("config unchanged, skipping reload")
		return nil
	}
	m.cfg = cfg
	m.mu.Unlock()

	if sections := restartSections(old, cfg); len(sections) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", sections)
	}
	slog.Info("config reloaded",
		"max_messages_per_job", cfg.Notifier.MaxMessagesPerJob,
		"max_jobs_per_type", cfg.Notifier.MaxJobsPerType,
		"max_age_days", cfg.Notifier.MaxAgeDays,
		"gist_overview", cfg.Notifier.GistOverview,
		"clean_after_idle", cfg.Notifier.CleanAfterIdle)
	return nil
}

// restartSections lists the changed settings that are only read at startup.
func restartSections(old, cur *Config) []string {
	var out []string
	if old.Server != cur.Server {
		out = append(out, "server")
	}
	if old.Store != cur.Store {
		out = append(out, "store")
	}
	if old.MCP != cur.MCP {
		out = append(out, "mcp")
	}
	on, cn := old.Notifier, cur.Notifier
	if on.QueueSize != cn.QueueSize || on.EnqueueTimeout != cn.EnqueueTimeout ||
		on.Retry != cn.Retry || on.AgeSweepInterval != cn.AgeSweepInterval {
		out = append(out, "notifier.ingestion")
	}
	return out
}

// Watch reloads the configuration whenever its file changes, until ctx is
// done. Bursts of events are debounced. A watcher that breaks is recreated
// with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	path := m.Path()
	if path == "" {
		slog.Info("no config file found, hot reload disabled")
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(path), filepath.Base(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Reload(); err != nil {
				slog.Warn("config reload rejected", "path", path, "error", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	for {
		err := watchDir(ctx, dir, file, b, schedule)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.Duration()
		slog.Warn("config watcher stopped, restarting",
			"dir", dir,
			"backoff", wait,
			"error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir watches dir and calls onChange for events on file. It returns
// when ctx is done or the watcher breaks. The directory is watched rather
// than the file so editors that replace the file are followed.
func watchDir(ctx context.Context, dir, file string, b *backoff.Backoff, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	b.Reset()
	slog.Debug("config watcher started", "dir", dir, "file", file)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				slog.Debug("config change detected", "event", ev.Op.String())
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("config watch overflow, forcing reload", "dir", dir)
				onChange()
				continue
			}
			slog.Warn("config watch error", "dir", dir, "error", err)
		}
	}
}
