package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/drillops/pkg/drill"
)

// Live serves the most recent valid catalog loaded from a file. Drills that
// already fetched their steps keep the definitions they started with.
type Live struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	current *Catalog

	watcher  *fsnotify.Watcher
	settle   time.Duration
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
	onReload func(*Catalog, error)
}

// LiveConfig configures a Live catalog.
type LiveConfig struct {
	Path string
	// Settle is how long the file must stay quiet before it is re-read.
	Settle time.Duration
	// OnReload, when set, is called after every reload attempt.
	OnReload func(*Catalog, error)
	Logger   zerolog.Logger
}

// NewLive loads the catalog at cfg.Path. The file must be valid at startup.
func NewLive(cfg LiveConfig) (*Live, error) {
	c, err := Load(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 200 * time.Millisecond
	}
	return &Live{
		path:     cfg.Path,
		logger:   cfg.Logger.With().Str("component", "catalog").Logger(),
		current:  c,
		settle:   cfg.Settle,
		done:     make(chan struct{}),
		onReload: cfg.OnReload,
	}, nil
}

// Current returns the catalog in effect.
func (l *Live) Current() *Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Live) ScenarioSteps(ctx context.Context, scenarioID string) ([]drill.Step, error) {
	return l.Current().ScenarioSteps(ctx, scenarioID)
}

// Reload re-reads the file. An invalid file leaves the previous catalog in place.
func (l *Live) Reload() error {
	c, err := Load(l.path)
	if err == nil {
		l.mu.Lock()
		l.current = c
		l.mu.Unlock()
		l.logger.Info().Int("scenarios", len(c.Scenarios())).Msg("Scenario catalog reloaded")
	} else {
		l.logger.Error().Err(err).Msg("Catalog reload rejected, keeping previous definitions")
	}
	if l.onReload != nil {
		l.onReload(c, err)
	}
	return err
}

// Watch starts reloading the catalog whenever its file changes. The parent
// directory is watched so editors that replace the file by rename are seen.
func (l *Live) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}
	l.watcher = w
	go l.loop()
	l.logger.Info().Str("path", l.path).Msg("Catalog watcher started")
	return nil
}

// Stop ends watching. It is safe to call without Watch.
func (l *Live) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

func (l *Live) loop() {
	target := filepath.Clean(l.path)
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.schedule()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Catalog watcher error")
		case <-l.done:
			return
		}
	}
}

// schedule debounces bursts of writes into one reload.
func (l *Live) schedule() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.settle, func() {
		select {
		case <-l.done:
		default:
			_ = l.Reload()
		}
	})
}
