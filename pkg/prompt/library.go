package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Library loads prompt modules from a directory of YAML/JSON files, one
// module per file, and caches them. A filesystem watcher invalidates the
// cache on writes so upstream edits are picked up without a restart.
type Library struct {
	dir     string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	modules map[string]Module
	dirty   bool

	done chan struct{}
}

// NewLibrary creates a module library rooted at dir. The directory must
// exist; modules are loaded lazily on first resolve.
func NewLibrary(dir string, logger zerolog.Logger) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("module directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("module directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("module directory %s is not a directory", dir)
	}

	lib := &Library{
		dir:     dir,
		logger:  logger,
		modules: make(map[string]Module),
		dirty:   true,
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch module directory: %w", err)
	}
	lib.watcher = watcher
	go lib.watch()

	logger.Info().Str("dir", dir).Msg("Prompt module library initialized")
	return lib, nil
}

// Resolve returns the modules for the given names, in the given order.
// A missing name fails with ErrModuleNotFound.
func (l *Library) Resolve(names []string) ([]Module, error) {
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	modules := make([]Module, 0, len(names))
	for _, name := range names {
		mod, ok := l.modules[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

// Names returns the names of all loaded modules
func (l *Library) Names() ([]string, error) {
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	return names, nil
}

// Invalidate marks the cache stale, forcing a reload on next resolve
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

// Close stops the filesystem watcher
func (l *Library) Close() error {
	close(l.done)
	return l.watcher.Close()
}

func (l *Library) ensureLoaded() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read module directory: %w", err)
	}

	modules := make(map[string]Module)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		mod, err := loadModuleFile(path)
		if err != nil {
			return err
		}
		if mod.Name == "" {
			mod.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if _, exists := modules[mod.Name]; exists {
			return fmt.Errorf("duplicate prompt module name: %q", mod.Name)
		}
		modules[mod.Name] = mod
	}

	l.modules = modules
	l.dirty = false

	l.logger.Debug().Int("modules", len(modules)).Msg("Prompt modules loaded")
	return nil
}

func loadModuleFile(path string) (Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Module{}, fmt.Errorf("failed to read module file %s: %w", path, err)
	}

	var mod Module
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &mod); err != nil {
			return Module{}, fmt.Errorf("failed to parse module file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &mod); err != nil {
			return Module{}, fmt.Errorf("failed to parse module file %s: %w", path, err)
		}
	}
	return mod, nil
}

// watch invalidates the cache on filesystem events, debounced so a burst of
// writes triggers a single reload.
func (l *Library) watch() {
	var timer *time.Timer
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				l.logger.Debug().Str("file", event.Name).Msg("Module library changed, invalidating cache")
				l.Invalidate()
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Module watcher error")
		}
	}
}
