// Package inbox watches a drop directory for skill sources. A file named
// <skill>.rs or <skill>.c is submitted as a proposed change to <skill> once
// writes to it have settled. An optional <skill>.token next to it carries
// an override token.
package inbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"helix/internal/evolution"
	"helix/internal/logging"
	"helix/internal/types"

	"github.com/fsnotify/fsnotify"
)

// ProcessedDir is the subdirectory handled sources and results move to.
const ProcessedDir = "processed"

// Evolver runs a change through the evolution loop.
type Evolver interface {
	Evolve(ctx context.Context, change *types.ProposedChange, overrideToken string) *evolution.LoopResult
}

// Stats tracks watcher activity.
type Stats struct {
	Submitted     int
	Succeeded     int
	Failed        int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher feeds dropped sources into an Evolver.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	evolver     Evolver
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

// NewWatcher creates a watcher over dir. debounce is how long a file must
// be quiet before it is read.
func NewWatcher(dir string, evolver Evolver, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:     fw,
		evolver:     evolver,
		dir:         dir,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start watches dir in a goroutine. Sources already present are queued as
// if they had just been written.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(w.dir, ProcessedDir), 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	now := time.Now()
	w.mu.Lock()
	for _, e := range entries {
		if p := filepath.Join(w.dir, e.Name()); !e.IsDir() && isSource(p) {
			w.debounceMap[p] = now
		}
	}
	w.mu.Unlock()

	logging.Inbox("watching %s", w.dir)
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for an in-progress submission.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.InboxWarn("closing watcher: %v", err)
	}
	logging.Inbox("stopped watching %s", w.dir)
}

// Stats returns a copy of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounceDur / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.InboxWarn("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isSource(event.Name) || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	logging.InboxDebug("%s %s", event.Op, event.Name)
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		w.submit(ctx, path)
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	src, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.InboxWarn("reading %s: %v", path, err)
			w.bump(&w.stats.Errors)
		}
		return
	}
	skill, lang := skillOf(path)
	change, err := types.NewProposedChange(skill, lang, string(src), types.WithSubmitter("inbox"))
	if err != nil {
		logging.InboxWarn("ignoring %s: %v", path, err)
		w.bump(&w.stats.Errors)
		w.archive(path, "", map[string]string{"error": err.Error()})
		return
	}

	tokenPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".token"
	token := ""
	if b, err := os.ReadFile(tokenPath); err == nil {
		token = strings.TrimSpace(string(b))
	}

	w.bump(&w.stats.Submitted)
	logging.Inbox("submitting %s@%s from %s", skill, change.DNA().Short(), filepath.Base(path))
	res := w.evolver.Evolve(ctx, change, token)
	if res.Success {
		w.bump(&w.stats.Succeeded)
	} else {
		w.bump(&w.stats.Failed)
	}
	if token != "" {
		os.Remove(tokenPath)
	}
	w.archive(path, change.DNA().Short(), res)
}

// archive moves path into the processed directory with the result beside
// it, so the same drop is not submitted twice.
func (w *Watcher) archive(path, tag string, result any) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if tag != "" {
		stem += "-" + tag
	}
	done := filepath.Join(w.dir, ProcessedDir)
	if err := os.Rename(path, filepath.Join(done, stem+filepath.Ext(base))); err != nil {
		logging.InboxWarn("archiving %s: %v", path, err)
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(done, stem+".json"), b, 0644); err != nil {
		logging.InboxWarn("writing result for %s: %v", path, err)
	}
}

func (w *Watcher) bump(n *int) {
	w.mu.Lock()
	*n++
	w.mu.Unlock()
}

func isSource(path string) bool {
	switch filepath.Ext(path) {
	case ".rs", ".c":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

func skillOf(path string) (string, types.Language) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	lang := types.LanguageRust
	if ext == ".c" {
		lang = types.LanguageC
	}
	return strings.TrimSuffix(base, ext), lang
}
