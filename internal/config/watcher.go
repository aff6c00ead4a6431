package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the policy files for changes and invokes the
// registered reload callbacks. Reloads are atomic downstream: a
// callback that rejects a bad file leaves the prior snapshot active.
type Watcher struct {
	config   *Config
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu          sync.RWMutex
	onMatrix    func(path string)
	onLimits    func(path string)
	onProviders func(path string)

	lastModTimes map[string]time.Time
}

// NewWatcher creates a watcher over the config directory.
func NewWatcher(cfg *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:       cfg,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		lastModTimes: make(map[string]time.Time),
	}

	for _, path := range w.watchedFiles() {
		if stat, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = stat.ModTime()
		}
	}

	return w, nil
}

// OnMatrixChange registers the entitlement matrix reload callback.
func (w *Watcher) OnMatrixChange(callback func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMatrix = callback
}

// OnLimitsChange registers the quota limits reload callback.
func (w *Watcher) OnLimitsChange(callback func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLimits = callback
}

// OnProvidersChange registers the provider routing reload callback.
func (w *Watcher) OnProvidersChange(callback func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onProviders = callback
}

// Start begins watching the config directory. Falls back to polling
// when the directory cannot be watched.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.config.ConfigDir); err != nil {
		log.Warn().Err(err).Str("path", w.config.ConfigDir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().
		Str("dir", w.config.ConfigDir).
		Msg("Started watching policy files for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload manually triggers all reload callbacks (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	for _, path := range w.watchedFiles() {
		w.dispatch(path)
	}
}

func (w *Watcher) watchedFiles() []string {
	return []string{
		w.config.MatrixPath(),
		w.config.LimitsPath(),
		w.config.ProvidersPath(),
	}
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for _, path := range w.watchedFiles() {
				if filepath.Base(event.Name) == filepath.Base(path) || event.Name == path {
					// Debounce - wait a bit for the write to complete
					time.Sleep(100 * time.Millisecond)
					log.Info().
						Str("event", event.Op.String()).
						Str("file", filepath.Base(path)).
						Msg("Detected policy file change")
					w.dispatch(path)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls for changes.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, path := range w.watchedFiles() {
				stat, err := os.Stat(path)
				if err != nil {
					continue
				}
				if stat.ModTime().After(w.lastModTimes[path]) {
					w.lastModTimes[path] = stat.ModTime()
					log.Info().Str("file", filepath.Base(path)).Msg("Detected policy file change via polling")
					w.dispatch(path)
				}
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) dispatch(path string) {
	w.mu.RLock()
	onMatrix, onLimits, onProviders := w.onMatrix, w.onLimits, w.onProviders
	w.mu.RUnlock()

	switch path {
	case w.config.MatrixPath():
		if onMatrix != nil {
			onMatrix(path)
		}
	case w.config.LimitsPath():
		if onLimits != nil {
			onLimits(path)
		}
	case w.config.ProvidersPath():
		if onProviders != nil {
			onProviders(path)
		}
	}
}
