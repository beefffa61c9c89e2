package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "guardbot/pkg/logx"
)

const defaultDebounce = 250 * time.Millisecond

// Change is one accepted edit of the config file.
type Change struct {
	Old *Config
	New *Config
}

// Manager owns the current config and turns file edits into Changes.
// A rejected edit (parse or validation error) leaves the current config in place.
type Manager struct {
	path     string
	log      logx.Logger
	validate func(*Config) error
	debounce time.Duration

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	changes chan Change
}

type ManagerOption func(*Manager)

func WithLogger(log logx.Logger) ManagerOption { return func(m *Manager) { m.log = log } }

// WithValidator gates the initial load and every reload.
func WithValidator(fn func(*Config) error) ManagerOption {
	return func(m *Manager) { m.validate = fn }
}

func WithDebounce(d time.Duration) ManagerOption { return func(m *Manager) { m.debounce = d } }

// NewManager loads path once; it fails when the file cannot be loaded or validated.
func NewManager(path string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		path:     path,
		log:      logx.Nop(),
		debounce: defaultDebounce,
		changes:  make(chan Change, 1),
	}
	for _, o := range opts {
		o(m)
	}
	cfg, h, err := load(path)
	if err != nil {
		return nil, err
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}
	m.cur, m.hash = cfg, h
	return m, nil
}

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *Manager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Changes delivers accepted edits. Only the newest pending change is kept; a
// change replaced before it was read folds its Old into the newer one.
func (m *Manager) Changes() <-chan Change { return m.changes }

// Reload re-reads the file. It reports false when the content did not change.
func (m *Manager) Reload() (bool, error) {
	cfg, h, err := load(m.path)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	if h == m.hash {
		m.mu.Unlock()
		return false, nil
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			m.mu.Unlock()
			return false, err
		}
	}
	old := m.cur
	m.cur, m.hash = cfg, h
	m.mu.Unlock()

	m.publish(Change{Old: old, New: cfg})
	return true, nil
}

func (m *Manager) publish(c Change) {
	for {
		select {
		case m.changes <- c:
			return
		default:
		}
		select {
		case stale := <-m.changes:
			c.Old = stale.Old
		default:
		}
	}
}

var errWatcherClosed = errors.New("config watcher closed")

// Watch follows edits of the config file until ctx ends. The parent
// directory is watched so editors that replace the file are seen too. A
// broken watcher returns an error; callers restart Watch.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.logger().Debug("config watch started", logx.String("path", m.path))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			// editors write in bursts; reload once they settle
			pending = time.After(m.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger().Warn("config watch overflow; reloading", logx.String("path", m.path))
				pending = time.After(m.debounce)
				continue
			}
			m.logger().Warn("config watch error", logx.Err(err))
		case <-pending:
			pending = nil
			m.reloadAndLog()
		}
	}
}

func (m *Manager) reloadAndLog() {
	log := m.logger()
	changed, err := m.Reload()
	switch {
	case err != nil:
		log.Warn("config reload rejected; keeping current config", logx.String("path", m.path), logx.Err(err))
	case !changed:
		log.Debug("config file touched without changes", logx.String("path", m.path))
	default:
		log.Debug("config change accepted", logx.String("path", m.path))
	}
}
