package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "helpbutton/pkg/logx"
)

const (
	// reloadDelay absorbs editor write bursts before a changed file is parsed.
	reloadDelay = 250 * time.Millisecond

	validateTimeout = 5 * time.Second
)

// Manager owns the config file: strict parsing, the committed snapshot, and a
// fsnotify-driven reload flow that validates before publishing to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	cfg *Config

	// subsMu also serializes publish against Unsubscribe closing a channel.
	subsMu sync.Mutex
	subs   []chan *Config

	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the config file without committing it.
// Unknown fields and trailing data are errors.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	data, err := readAsJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(m.path), err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse %s: trailing data after config document", filepath.Base(m.path))
	}
	return cfg, nil
}

// Load parses the file and commits the result.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	i := slices.Index(m.subs, ch)
	if i < 0 {
		return
	}
	m.subs = slices.Delete(m.subs, i, i+1)
	close(ch)
}

// publish hands the config to every subscriber. A full buffer loses its
// oldest snapshot first so a slow subscriber still sees the newest config.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("buffer", cap(ch)))
		}
	}
}

// Watch follows the config file and runs the reload flow after each change.
// It watches the parent directory because editors replace the file by rename.
// The watcher does not recreate itself; run Watch under a restart policy.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	base := filepath.Base(m.path)
	debounce := time.NewTimer(reloadDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	m.log.Debug("watching config", logx.String("path", m.path))
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if armed && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(reloadDelay)
			armed = true

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			m.log.Warn("config watch error", logx.Err(err))

		case <-debounce.C:
			armed = false
			m.reload(ctx)
		}
	}
}

// reload parses the file and, when the content changed and validates, commits
// and publishes it. Any failure keeps the previous config in place.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload skipped", logx.String("path", m.path), logx.Err(err))
		return
	}
	if reflect.DeepEqual(cfg, m.Get()) {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
