package config

import (
	"fmt"
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/watcher"
)

// watchDebounce coalesces bursts of file events into one reload.
// Variable so tests can shorten it.
var watchDebounce = 1 * time.Second

// Reloader re-reads the config file whenever it changes on disk and hands
// validated configs to a callback. Invalid or unreadable files are logged
// and skipped, so the previous settings stay in effect.
type Reloader struct {
	w        *watcher.Watcher
	reload   func() (Config, error)
	onChange func(Config)
	done     chan struct{}
}

// Watch starts watching configPath. reload re-reads the file (the caller
// owns the load mechanics); onChange receives each config that reloads and
// validates cleanly. Both are invoked from a single background goroutine.
func Watch(configPath string, reload func() (Config, error), onChange func(Config)) (*Reloader, error) {
	if reload == nil || onChange == nil {
		return nil, fmt.Errorf("reload and onChange are required")
	}

	w, err := watcher.New(watcher.Config{Path: configPath, DebounceDur: watchDebounce})
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}

	r := &Reloader{
		w:        w,
		reload:   reload,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	log.SafeGo("config.reloader", func() {
		r.loop(changes)
	})

	log.Info(log.CatConfig, "Watching config file", "path", configPath)
	return r, nil
}

// Stop terminates the reloader and releases the underlying watcher.
func (r *Reloader) Stop() {
	close(r.done)
	_ = r.w.Stop()
}

func (r *Reloader) loop(changes <-chan struct{}) {
	for {
		select {
		case <-changes:
			cfg, err := r.reload()
			if err != nil {
				log.Warn(log.CatConfig, "Config reload failed; keeping previous settings", "error", err)
				continue
			}
			if err := Validate(cfg); err != nil {
				log.Warn(log.CatConfig, "Config file invalid; keeping previous settings", "error", err)
				continue
			}
			log.Info(log.CatConfig, "Config file changed; applying")
			r.onChange(cfg)

		case <-r.done:
			return
		}
	}
}
