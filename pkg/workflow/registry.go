package workflow

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the loaded workflow definitions: the builtin table plus
// the overrides from the workflow directory. An override fully replaces
// the builtin definition of the same operation
type Registry struct {
	dir string

	mutex     sync.RWMutex
	builtin   map[string]*Definition
	overrides map[string]*Definition
}

func NewRegistry(dir string) (*Registry, error) {
	builtin, err := BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		dir:       dir,
		builtin:   builtin,
		overrides: make(map[string]*Definition),
	}
	if err := r.loadOverrides(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadOverrides() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	overrides := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Could not read workflow definition.", "path", path, "err", err)
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			slog.Warn("Ignoring invalid workflow definition.", "path", path, "err", err)
			continue
		}
		def.Source = path
		overrides[def.Operation] = def
		slog.Info("Loaded workflow definition.", "operation", def.Operation, "path", path)
	}

	r.mutex.Lock()
	r.overrides = overrides
	r.mutex.Unlock()
	return nil
}

// Watch reloads the overrides whenever the workflow directory changes
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		// A missing directory is fine, overrides are optional
		slog.Debug("Workflow directory is not watchable.", "dir", r.dir, "err", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.Info("Workflow directory changed, reloading definitions.", "event", event.Op.String())
				if err := r.loadOverrides(); err != nil {
					slog.Warn("Failed to reload workflow definitions.", "err", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Workflow directory watcher error.", "err", err)
		}
	}
}

// Get resolves a definition, overrides first
func (r *Registry) Get(operation string) (*Definition, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if def, ok := r.overrides[operation]; ok {
		return def, true
	}
	def, ok := r.builtin[operation]
	return def, ok
}

// Operations lists all known operation names
func (r *Registry) Operations() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	seen := make(map[string]struct{})
	for name := range r.builtin {
		seen[name] = struct{}{}
	}
	for name := range r.overrides {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AdvertisedOperations lists the operations advertised to a cloud: the
// symlinks (or files) under operations/<cloud>/
func AdvertisedOperations(operationsDir string, cloud string) []string {
	entries, err := os.ReadDir(filepath.Join(operationsDir, cloud))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out
}
