package config

import (
	"context"
	"time"

	"toolgate/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher observes the servers/ directory and invokes a callback with the
// freshly loaded definition set whenever files change. Reload failures are
// logged and skipped; the previous definition set stays active.
type Watcher struct {
	configPath string
	onChange   func([]ServerDefinition)
	fsw        *fsnotify.Watcher
}

// NewWatcher creates a watcher for the servers directory under configPath.
func NewWatcher(configPath string, onChange func([]ServerDefinition)) (*Watcher, error) {
	configPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(ServersDir(configPath)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		onChange:   onChange,
		fsw:        fsw,
	}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevantOp(event.Op) || !isYAMLFile(event.Name) {
				continue
			}
			logging.Debug("ConfigWatcher", "Definition change detected: %s (%s)", event.Name, event.Op)
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigWatcher", "Watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	defs, err := LoadServerDefinitions(w.configPath)
	if err != nil {
		logging.Error("ConfigWatcher", err, "Reload failed, keeping previous definitions")
		return
	}
	w.onChange(defs)
}

func relevantOp(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}
