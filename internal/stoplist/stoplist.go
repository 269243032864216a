// Package stoplist provides the sources of the stop point identifiers polled
// from the realtime API.
//
// Two sources exist: a Static list parsed from a comma-separated flag value,
// and a Manager that loads and watches a JSON configuration file so the list
// can change without a restart.
package stoplist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Source provides the stop identifiers used to build poll parameters.
type Source interface {
	StopIDs() []int
}

// Static is a fixed stop list.
type Static []int

// ParseStatic parses a comma-separated list of stop identifiers.
// Malformed entries are silently dropped.
func ParseStatic(value string) Static {
	var ids Static
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// StopIDs returns the fixed stop list.
func (s Static) StopIDs() []int {
	return s
}

// Conf represents the watched configuration structure.
type Conf struct {
	StopIDs []int `json:"stopIds"`
}

// Manager loads and watches a JSON configuration file holding the stop list.
type Manager struct {
	config     Conf
	lock       sync.RWMutex
	configPath string

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.Logger = l
	}
}

// New creates a new stop list manager with the specified path.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		configPath: path,
		log:        opts.Logger,
	}
}

// Load reads the stop list from the configured file and updates the internal state.
func (m *Manager) Load() error {
	file, err := os.Open(m.configPath)
	if err != nil {
		return fmt.Errorf("opening stop list file: %w", err)
	}
	defer file.Close()

	var newConfig Conf
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&newConfig); err != nil {
		return fmt.Errorf("decoding stop list JSON: %w", err)
	}

	m.lock.Lock()
	m.config = newConfig
	m.lock.Unlock()

	m.log.Info("Stop list loaded", "stops", len(newConfig.StopIDs))
	return nil
}

// Watch starts watching the stop list file for changes.
//
// It returns two channels: one for changes which result in a successful load and
// another for unrecoverable watcher errors.
func (m *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir, _ := filepath.Split(m.configPath)
	if configDir == "" {
		configDir = "."
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	m.log.Info("Watching stop list directory", "dir", configDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	// Initial load of the stop list
	if err := m.Load(); err != nil {
		m.log.Warn("Error loading initial stop list", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				m.log.Info("Stop list watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if event.Name != m.configPath {
					continue
				}

				m.log.Debug("Stop list file changed. Reloading...")
				if err := m.Load(); err != nil {
					m.log.Warn("Error reloading stop list", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				m.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// StopIDs returns the current stop list.
func (m *Manager) StopIDs() []int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.config.StopIDs
}
