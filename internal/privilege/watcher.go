package privilege

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mitmctl/util"
)

// debounceDefault absorbs the burst of events a single editor save
// produces.
const debounceDefault = 200 * time.Millisecond

// Watcher turns edits of a FileGate's grants file into resolver calls
// for the requests that gate has outstanding.
type Watcher struct {
	gate     *FileGate
	resolve  Resolver
	logger   *util.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for gate reporting to resolve.
func NewWatcher(gate *FileGate, resolve Resolver, logger *util.Logger) *Watcher {
	if logger == nil {
		logger = util.Discard()
	}
	return &Watcher{
		gate:     gate,
		resolve:  resolve,
		logger:   logger,
		debounce: debounceDefault,
	}
}

// SetDebounce overrides the quiet period before the file is re-read.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Check re-reads the grants file once and reports every answered
// request, in acquisition order.
func (w *Watcher) Check() {
	answers, err := w.gate.settle()
	if err != nil {
		w.logger.Warn("grants: %v", err)
		return
	}
	for _, k := range Kinds() {
		granted, ok := answers[k]
		if !ok {
			continue
		}
		w.logger.Info("grant %s answered: %s", k, map[bool]string{true: "granted", false: "denied"}[granted])
		w.resolve(k, granted)
	}
}

// Run watches the grants file until ctx is cancelled.  The parent
// directory is watched rather than the file so atomic replacements
// and a not-yet-created file are both seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(w.gate.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	// Answers written before Run started.
	w.Check()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.Check()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("grants watcher: %v", err)
		}
	}
}
