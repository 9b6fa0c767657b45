// Package watch wraps internal/drift's synchronous scan in an fsnotify
// loop, for a long-running consumer (a dashboard, an MCP server holding a
// subscription open) that wants push-based drift notifications instead of
// polling. It is a thin convenience layer: the core drift engine stays
// synchronous and this package adds nothing to its semantics, only a
// debounced trigger.
package watch

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liqiongyu/agentpack/internal/drift"
	"github.com/liqiongyu/agentpack/internal/targetmanifest"
	"github.com/liqiongyu/agentpack/internal/targets"
)

// DefaultDebounce is the window used for coalescing a burst of writes into
// a single check when New is given a non-positive debounce.
const DefaultDebounce = 100 * time.Millisecond

// ScanFunc produces a fresh drift report on demand, typically a closure
// over engine.Engine.DesiredState + drift.Scan.
type ScanFunc func() (drift.Report, error)

// ReportFunc receives each debounced scan's result, including any error.
type ReportFunc func(drift.Report, error)

// Watcher watches every root's directory for changes and re-runs ScanFunc
// after a debounce window, delivering the result to ReportFunc. Changes to
// a target manifest file itself are ignored, since those are written by
// this tool's own apply step rather than by drift.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	scan     ScanFunc
	onReport ReportFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New starts watching roots immediately. A root whose directory does not
// yet exist is skipped rather than failing the whole watch; it is simply
// never reported on until something else creates it and a restart picks
// it up.
func New(roots []targets.TargetRoot, debounce time.Duration, scan ScanFunc, onReport ReportFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	seen := make(map[string]bool, len(roots))
	for _, root := range roots {
		if seen[root.Root] {
			continue
		}
		seen[root.Root] = true
		if _, statErr := os.Stat(root.Root); statErr != nil {
			continue
		}
		if err := fsw.Add(root.Root); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", root.Root, err)
		}
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		scan:     scan,
		onReport: onReport,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
		return
	default:
		close(w.stopCh)
	}
	w.fsw.Close()
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if targetmanifest.IsManifestPath(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			report, err := w.scan()
			w.onReport(report, err)

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}
