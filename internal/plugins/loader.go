package plugins

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

const defaultPluginTimeout = 30 * time.Second

// Registry is the part of the tool registry plugins mutate
type Registry interface {
	ReplacePluginTools(owner string, defs []tools.PluginTool) (int, error)
	RemovePluginTools(owner string) int
}

// Loader discovers plugin manifests under a directory and mirrors them
// into the registry.
type Loader struct {
	dir      string
	registry Registry
	logger   *zap.Logger

	mu     sync.Mutex
	loaded map[string]string // manifest path -> owner

	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce time.Duration
}

// NewLoader creates a loader for dir
func NewLoader(dir string, registry Registry, logger *zap.Logger) *Loader {
	return &Loader{
		dir:      dir,
		registry: registry,
		logger:   logger,
		loaded:   make(map[string]string),
		debounce: 250 * time.Millisecond,
	}
}

// Loaded returns the owners currently installed, sorted
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	owners := make([]string, 0, len(l.loaded))
	for _, o := range l.loaded {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// Sync rescans the plugin directory: every valid manifest replaces its
// owner's tool set, and owners whose manifest disappeared are removed.
// A manifest that fails to parse keeps its previously loaded tools.
func (l *Loader) Sync() error {
	paths, err := filepath.Glob(filepath.Join(l.dir, "*", ManifestFile))
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		seen[path] = true
		m, err := LoadManifest(path)
		if err != nil {
			l.logger.Warn("Skipping plugin manifest", zap.String("path", path), zap.Error(err))
			continue
		}

		if prev, ok := l.loaded[path]; ok && prev != m.Name {
			l.registry.RemovePluginTools(prev)
		}
		n, err := l.registry.ReplacePluginTools(m.Name, l.buildTools(m))
		if err != nil {
			l.logger.Warn("Failed to install plugin", zap.String("plugin", m.Name), zap.Error(err))
			continue
		}
		l.loaded[path] = m.Name
		l.logger.Info("Plugin loaded",
			zap.String("plugin", m.Name),
			zap.String("version", m.Version),
			zap.Int("tools", n),
		)
	}

	for path, owner := range l.loaded {
		if !seen[path] {
			removed := l.registry.RemovePluginTools(owner)
			delete(l.loaded, path)
			l.logger.Info("Plugin unloaded", zap.String("plugin", owner), zap.Int("tools", removed))
		}
	}
	return nil
}

func (l *Loader) buildTools(m *Manifest) []tools.PluginTool {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultPluginTimeout
	}
	client := &http.Client{Timeout: timeout}

	defs := make([]tools.PluginTool, 0, len(m.Tools))
	for _, t := range m.Tools {
		defs = append(defs, tools.PluginTool{
			Tool: tools.Tool{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
				Category:    t.Category,
				Scope:       tools.Scope(t.Scope),
			},
			Executor: httpExecutor(client, m.endpointFor(t), t.Name),
		})
	}
	return defs
}

// Watch resyncs whenever something under the plugin directory changes.
// Bursts of events are debounced into one Sync.
func (l *Loader) Watch(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := l.addWatches(watcher); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.watcher = watcher
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching
func (l *Loader) Close() error {
	l.mu.Lock()
	cancel, watcher := l.cancel, l.watcher
	l.cancel, l.watcher = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Loader) addWatches(watcher *fsnotify.Watcher) error {
	if err := watcher.Add(l.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(l.dir, e.Name())); err != nil {
				l.logger.Warn("Failed to watch plugin dir", zap.String("dir", e.Name()), zap.Error(err))
			}
		}
	}
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			if err := l.Sync(); err != nil {
				l.logger.Warn("Plugin sync failed", zap.Error(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Plugin watch error", zap.Error(err))
		}
	}
}
