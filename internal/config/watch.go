package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly decoded config after the file on
// disk changes. Returning an error only logs; the previous config stays live.
type ChangeHandler func(cfg *Config) error

// Watcher hot-reloads the config file backing a viper instance.
type Watcher struct {
	v        *viper.Viper
	logger   *zap.Logger
	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
}

// NewWatcher wraps v; cfg is the already-decoded initial config.
func NewWatcher(v *viper.Viper, cfg *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{v: v, current: cfg, logger: logger}
}

// RegisterHandler adds a reload callback.
func (w *Watcher) RegisterHandler(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. It is a no-op when no config file is in use.
func (w *Watcher) Start() {
	if w.v.ConfigFileUsed() == "" {
		return
	}
	w.v.OnConfigChange(w.handleChange)
	w.v.WatchConfig()
	w.logger.Info("Config hot reload enabled", zap.String("file", w.v.ConfigFileUsed()))
}

func (w *Watcher) handleChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := Decode(w.v)
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		if err := h(cfg); err != nil {
			w.logger.Warn("Config change handler failed", zap.Error(err))
		}
	}
	w.logger.Info("Configuration reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
}
