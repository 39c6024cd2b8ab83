package mapjob

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
)

// Render triggers.
const (
	ReasonStartup    = "startup"
	ReasonInterval   = "interval"
	ReasonBoundaries = "boundaries"
	ReasonKPI        = "kpi.created"
)

// Watcher re-renders the agenda maps on a ticker, when a boundary file
// changes and when a KPI is created. Triggers arriving within BatchDelay
// of each other are coalesced into one render.
type Watcher struct {
	job      *Job
	events   bus.Bus
	reload   func() (geo.Binner, error)
	paths    map[string]bool
	interval time.Duration
	stateDir string

	// Batch processing
	pendingMu  sync.Mutex
	pending    map[string]struct{}
	batchTimer *time.Timer
	batchDelay time.Duration

	renderMu sync.Mutex
	ctx      context.Context

	// Stats
	statsMu    sync.Mutex
	renders    int
	lastRender time.Time

	done     chan struct{}
	stopOnce sync.Once
	log      *logger.Logger
}

// WatcherConfig configures a Watcher. Bus, Reload and StateDir may be
// empty.
type WatcherConfig struct {
	Job      *Job
	Bus      bus.Bus
	Interval time.Duration
	// Paths are the boundary files to watch; Reload rebuilds the binner
	// after one of them changed.
	Paths  []string
	Reload func() (geo.Binner, error)
	// StateDir receives the render state file after every render.
	StateDir   string
	BatchDelay time.Duration // Default: 500ms
	Logger     *logger.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	paths := make(map[string]bool, len(cfg.Paths))
	for _, p := range cfg.Paths {
		if abs, err := filepath.Abs(p); err == nil {
			paths[abs] = true
		}
	}
	return &Watcher{
		job:        cfg.Job,
		events:     cfg.Bus,
		reload:     cfg.Reload,
		paths:      paths,
		interval:   cfg.Interval,
		stateDir:   cfg.StateDir,
		pending:    make(map[string]struct{}),
		batchDelay: cfg.BatchDelay,
		done:       make(chan struct{}),
		log:        log.WithComponent("watcher"),
	}
}

// Start renders once and then blocks, re-rendering on every trigger until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx = ctx
	w.log.Info("Starting map watcher", "interval", w.interval, "boundaries", len(w.paths))

	w.render([]string{ReasonStartup})

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()

	// Watch the directories: editors and copy tools replace files, which
	// drops a watch on the file itself.
	dirs := map[string]bool{}
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := fsWatcher.Add(d); err != nil {
			w.log.WithError(err).Warn("Cannot watch boundary directory", "dir", d)
		}
	}

	if w.events != nil {
		if err := w.events.Subscribe(ctx, bus.TopicKPICreated, func(ctx context.Context, e bus.Event) error {
			w.trigger(ReasonKPI)
			return nil
		}); err != nil {
			return err
		}
	}

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case <-tick:
			w.trigger(ReasonInterval)
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path, err := filepath.Abs(event.Name)
	if err != nil || !w.paths[path] {
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
		w.trigger(ReasonBoundaries)
	}
}

// trigger queues a render and restarts the batch timer.
func (w *Watcher) trigger(reason string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pending[reason] = struct{}{}
	if w.batchTimer != nil {
		w.batchTimer.Stop()
	}
	w.batchTimer = time.AfterFunc(w.batchDelay, w.processBatch)
}

func (w *Watcher) stopTimer() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.batchTimer != nil {
		w.batchTimer.Stop()
	}
}

func (w *Watcher) processBatch() {
	w.pendingMu.Lock()
	reasons := make([]string, 0, len(w.pending))
	for r := range w.pending {
		reasons = append(reasons, r)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	if len(reasons) == 0 || w.ctx.Err() != nil {
		return
	}
	w.render(reasons)
}

func (w *Watcher) render(reasons []string) {
	w.renderMu.Lock()
	defer w.renderMu.Unlock()

	for _, r := range reasons {
		if r == ReasonBoundaries && w.reload != nil {
			b, err := w.reload()
			if err != nil {
				w.log.WithError(err).Error("Reloading boundaries failed, keeping previous layers")
				break
			}
			w.job.SetBinner(b)
			w.log.Info("Boundaries reloaded")
			break
		}
	}

	w.log.Info("Rendering maps", "reasons", reasons)
	sum, err := w.job.RenderAll(w.ctx)
	if err != nil {
		w.log.WithError(err).Error("Map render failed")
		return
	}

	now := w.job.now()
	w.statsMu.Lock()
	w.renders++
	w.lastRender = now
	w.statsMu.Unlock()

	if w.stateDir != "" {
		if err := SaveState(w.stateDir, NewState(sum, now)); err != nil {
			w.log.WithError(err).Warn("Failed to save render state")
		}
	}
}

// Stop ends Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Stats returns the number of completed renders and the time of the last.
func (w *Watcher) Stats() (int, time.Time) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.renders, w.lastRender
}
