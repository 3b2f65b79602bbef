// Package watch observes the inbox directory and feeds settled files to a
// bounded pool of processing tasks.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"
)

// Processor handles one settled file.
type Processor interface {
	Process(ctx context.Context, path string) domain.Outcome
}

// Watcher discovers inbox files, waits until each one stops changing and
// queues it for processing. A path is tracked from discovery until its task
// finishes, so one file is never processed twice at the same time.
type Watcher struct {
	dir       string
	ext       string
	settle    time.Duration
	poll      time.Duration
	workers   int
	queueSize int
	rescan    string
	processor Processor
	events    *bus.EventBus
	logger    *slog.Logger

	mu       sync.Mutex
	tracked  map[string]struct{}
	settling sync.WaitGroup
}

type Config struct {
	Dir            string
	Extension      string        // e.g. ".pdf", matched case-insensitively
	Settle         time.Duration // how long size and mtime must stay unchanged
	Poll           time.Duration // stat interval while settling
	Workers        int
	QueueSize      int
	RescanSchedule string // cron spec; "" disables periodic rescans
	Processor      Processor
	Events         *bus.EventBus
	Logger         *slog.Logger
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if cfg.Extension != "" && !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RescanSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RescanSchedule); err != nil {
			return nil, fmt.Errorf("invalid rescan schedule %q: %w", cfg.RescanSchedule, err)
		}
	}
	return &Watcher{
		dir:       filepath.Clean(cfg.Dir),
		ext:       cfg.Extension,
		settle:    cfg.Settle,
		poll:      cfg.Poll,
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		rescan:    cfg.RescanSchedule,
		processor: cfg.Processor,
		events:    cfg.Events,
		logger:    cfg.Logger,
		tracked:   make(map[string]struct{}),
	}, nil
}

// Run watches until ctx is cancelled. On shutdown it stops accepting files,
// lets running tasks finish and leaves queued files on disk for the next run.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	queue := bus.NewFileQueue(w.queueSize, w.logger)
	tasks := pool.New().WithMaxGoroutines(w.workers)
	// Tasks outlive ctx so a file that started sending is finished and
	// disposed of. Channel timeouts bound how long that takes.
	taskCtx := context.WithoutCancel(ctx)

	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for path := range queue.Subscribe() {
			tasks.Go(func() { w.runTask(ctx, taskCtx, path) })
		}
	}()

	var scheduler *cron.Cron
	if w.rescan != "" {
		scheduler = cron.New(cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(w.logger.Handler(), slog.LevelDebug))))
		if _, err := scheduler.AddFunc(w.rescan, func() { w.scan(ctx, queue) }); err != nil {
			return fmt.Errorf("schedule rescan: %w", err)
		}
		scheduler.Start()
	}

	w.logger.Info("watching inbox", "dir", w.dir, "extension", w.ext, "workers", w.workers, "rescan", w.rescan)
	w.scan(ctx, queue)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-fsw.Events:
			if !ok {
				break loop
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.discover(ctx, queue, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				break loop
			}
			// Overflow drops events; the rescan recovers them.
			w.logger.Warn("watch error", "error", err)
		}
	}

	w.logger.Info("inbox watcher stopping")
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	w.settling.Wait()
	queue.Close()
	<-fed
	tasks.Wait()
	return nil
}

// scan discovers every matching file already in the inbox.
func (w *Watcher) scan(ctx context.Context, queue *bus.FileQueue) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("scan inbox", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			w.discover(ctx, queue, filepath.Join(w.dir, e.Name()))
		}
	}
}

// Tracked reports how many files are settling, queued or being processed.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Matches reports whether path is an inbox document this watcher handles.
func (w *Watcher) Matches(path string) bool {
	if filepath.Dir(filepath.Clean(path)) != w.dir {
		return false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return w.ext == "" || strings.EqualFold(filepath.Ext(name), w.ext)
}

func (w *Watcher) discover(ctx context.Context, queue *bus.FileQueue, path string) {
	if ctx.Err() != nil || !w.Matches(path) {
		return
	}
	if !w.track(path) {
		return
	}
	w.settling.Add(1)
	go func() {
		defer w.settling.Done()
		if !w.awaitStable(ctx, path) {
			w.untrack(path)
			return
		}
		if !queue.TryPublish(path) {
			w.untrack(path)
			metrics.QueueRejected.Inc()
			w.emit(bus.EventQueueFull, path)
			return
		}
		metrics.FilesDetected.Inc()
		w.emit(bus.EventFileDetected, path)
	}()
}

// awaitStable polls until size and mtime have not changed for the settle
// period. It returns false if the file vanished, is not a regular file, or
// ctx ended first.
func (w *Watcher) awaitStable(ctx context.Context, path string) bool {
	prev, err := os.Stat(path)
	if err != nil || !prev.Mode().IsRegular() {
		w.logVanished(path, err)
		return false
	}
	lastChange := time.Now()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		cur, err := os.Stat(path)
		if err != nil {
			w.logVanished(path, err)
			return false
		}
		if cur.Size() != prev.Size() || !cur.ModTime().Equal(prev.ModTime()) {
			prev, lastChange = cur, time.Now()
			continue
		}
		if time.Since(lastChange) >= w.settle {
			return true
		}
	}
}

func (w *Watcher) runTask(ctx, taskCtx context.Context, path string) {
	defer w.untrack(path)
	if ctx.Err() != nil {
		// Shutting down: leave the file for the next start.
		return
	}
	w.processor.Process(taskCtx, path)
}

func (w *Watcher) track(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tracked[path]; ok {
		return false
	}
	w.tracked[path] = struct{}{}
	return true
}

func (w *Watcher) untrack(path string) {
	w.mu.Lock()
	delete(w.tracked, path)
	w.mu.Unlock()
}

func (w *Watcher) logVanished(path string, err error) {
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		w.logger.Debug("file gone before it settled", "file", path)
		return
	}
	w.logger.Warn("stat inbox file", "file", path, "error", err)
}

func (w *Watcher) emit(eventType, path string) {
	if w.events != nil {
		w.events.Emit(bus.Event{Type: eventType, Source: "watch", Payload: map[string]any{"file": path}})
	}
}
