package personas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog holds the active persona definitions. Built-in defaults are
// overlaid with one YAML file per persona from an optional directory.
type Catalog struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	personas map[RoleID]*Persona

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewCatalog loads the defaults and, when dir is set, the overrides in it.
func NewCatalog(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{dir: dir, logger: logger}
	personas, err := load(dir)
	if err != nil {
		return nil, err
	}
	c.personas = personas
	logger.Info("Persona catalog loaded",
		zap.String("dir", dir),
		zap.Int("persona_count", len(personas)))
	return c, nil
}

// load builds a validated persona set from defaults plus dir overrides.
func load(dir string) (map[RoleID]*Persona, error) {
	personas := builtin()
	if dir != "" {
		files, err := overrideFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			if err := applyOverride(personas, path); err != nil {
				return nil, err
			}
		}
	}
	for _, p := range personas {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	return personas, nil
}

func overrideFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read persona dir: %w", err)
	}
	files := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return filepath.Join(dir, e.Name()), !e.IsDir() && isYAML(e.Name())
	})
	sort.Strings(files)
	return files, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// applyOverride decodes path on top of the matching persona. Fields absent
// from the file keep their current values.
func applyOverride(personas map[RoleID]*Persona, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewConfigError(path, "", "", fmt.Errorf("failed to read file: %w", err))
	}
	var head struct {
		ID RoleID `yaml:"id"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return NewConfigError(path, "", "", fmt.Errorf("failed to parse YAML: %w", err))
	}
	if head.ID == "" {
		head.ID = RoleID(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	base, ok := personas[head.ID]
	if !ok {
		return NewConfigError(path, string(head.ID), "id", fmt.Errorf("%w: unknown role %q", ErrConfigInvalid, head.ID))
	}
	p := base.clone()
	if err := yaml.Unmarshal(data, p); err != nil {
		return NewConfigError(path, string(head.ID), "", fmt.Errorf("failed to parse YAML: %w", err))
	}
	p.ID = head.ID
	personas[head.ID] = p
	return nil
}

// Get returns a copy of the persona for role.
func (c *Catalog) Get(role RoleID) (*Persona, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.personas[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, role)
	}
	return p.clone(), nil
}

// List returns copies of every persona in role order.
func (c *Catalog) List() []*Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.FilterMap(Roles, func(r RoleID, _ int) (*Persona, bool) {
		p, ok := c.personas[r]
		if !ok {
			return nil, false
		}
		return p.clone(), true
	})
}

// Reload re-reads the override directory. On error the previous set stays
// active.
func (c *Catalog) Reload() error {
	personas, err := load(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.personas = personas
	c.mu.Unlock()
	c.logger.Info("Persona catalog reloaded", zap.Int("persona_count", len(personas)))
	return nil
}

// Watch reloads the catalog when files in the override directory change.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCatalogClosed
	}
	if c.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch persona dir: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.watcher = w
	c.cancel = cancel
	c.wg.Add(1)
	go c.watchLoop(ctx, w)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer c.wg.Done()
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.logger.Info("Persona file changed, reloading", zap.String("file", event.Name))
			// Let the writer finish before reading.
			time.Sleep(100 * time.Millisecond)
			if err := c.Reload(); err != nil {
				c.logger.Error("Failed to reload personas", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Error("Persona watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	w, cancel := c.watcher, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if w != nil {
		err = w.Close()
	}
	c.wg.Wait()
	return err
}
