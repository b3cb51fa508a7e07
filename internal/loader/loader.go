// Package loader keeps the registry of loaded skill artifacts and calls into
// them across the C ABI.
//
// Each artifact exports two symbols:
//
//	char *execute(const char *args_json);  // NULL on failure
//	void  free(char *result);              // releases execute's result
//
// The host calls free exactly once per non-NULL result and never touches
// that memory otherwise.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/types"
)

// ABI names the two exported symbols.
type ABI struct {
	ExecuteSymbol string
	FreeSymbol    string
}

// DefaultABI is the execute/free contract.
var DefaultABI = ABI{ExecuteSymbol: "execute", FreeSymbol: "free"}

// Module is an opened artifact.
type Module interface {
	// Call passes args (a NUL-free JSON document) to execute and returns a
	// copy of the result. ok is false when execute returned NULL.
	Call(args []byte) (result []byte, ok bool)
	Close() error
}

// Opener opens an artifact and resolves its ABI symbols.
type Opener func(path string) (Module, error)

// Options configures a Registry.
type Options struct {
	ABI               ABI
	RequireOwnSymbols bool
	Opener            Opener // defaults to the native dlopen opener
	Metrics           *metrics.Metrics
}

// Registry maps skill names to loaded artifacts. The lock is held only to
// look up or replace an entry; native calls run outside it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*handle
	open    Opener
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.ABI.ExecuteSymbol == "" || opts.ABI.FreeSymbol == "" {
		opts.ABI = DefaultABI
	}
	open := opts.Opener
	if open == nil {
		open = NativeOpener(opts.ABI, opts.RequireOwnSymbols)
	}
	return &Registry{
		entries: make(map[string]*handle),
		open:    open,
		metrics: metrics.OrNop(opts.Metrics),
	}
}

// handle is a reference-counted loaded artifact. The registry holds one
// reference while the handle is its entry; each in-flight call holds one.
// The module closes when the count reaches zero.
type handle struct {
	name     string
	path     string
	mod      Module
	loadedAt time.Time

	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	metrics   *metrics.Metrics

	calls  atomic.Int64
	errors atomic.Int64
	nanos  atomic.Int64
}

func (h *handle) acquire() { h.refs.Add(1) }

func (h *handle) release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	h.closeOnce.Do(func() {
		if h.retired.Load() {
			h.metrics.RetiredHandles.Dec()
		}
		if err := h.mod.Close(); err != nil {
			logging.LoaderWarn("closing %s (%s) failed: %v", h.name, h.path, err)
			return
		}
		logging.LoaderDebug("closed %s (%s)", h.name, h.path)
	})
}

// retire drops the registry's reference after the handle left the map.
func (h *handle) retire() {
	if h.refs.Load() > 1 {
		h.retired.Store(true)
		h.metrics.RetiredHandles.Inc()
	}
	h.release()
}

func (h *handle) snapshot() types.MetricsSnapshot {
	return types.MetricsSnapshot{
		Calls:       h.calls.Load(),
		Errors:      h.errors.Load(),
		TotalTime:   time.Duration(h.nanos.Load()),
		CollectedAt: time.Now().UTC(),
	}
}

// Load opens path and makes it the entry for name. On failure the previous
// entry is untouched. Readers see either the old or the new artifact, never
// a partially initialized one.
func (r *Registry) Load(path, name string) error {
	timer := logging.StartTimer(logging.CategoryLoader, "load "+name)
	defer timer.Stop()

	mod, err := r.open(path)
	if err != nil {
		logging.LoaderWarn("rejecting %s for %s: %v", path, name, err)
		return &LoadError{Name: name, Path: path, Err: err}
	}

	h := &handle{name: name, path: path, mod: mod, loadedAt: time.Now().UTC(), metrics: r.metrics}
	h.refs.Store(1)

	r.mu.Lock()
	old := r.entries[name]
	r.entries[name] = h
	r.mu.Unlock()

	if old != nil {
		old.retire()
		r.metrics.Swaps.WithLabelValues(name, "swap").Inc()
		logging.Loader("hot-swapped %s: %s -> %s", name, old.path, path)
	} else {
		r.metrics.Swaps.WithLabelValues(name, "load").Inc()
		logging.Loader("loaded %s from %s", name, path)
	}
	return nil
}

// Validate opens and closes path without registering it.
func (r *Registry) Validate(path string) error {
	mod, err := r.open(path)
	if err != nil {
		return &LoadError{Name: "(validate)", Path: path, Err: err}
	}
	return mod.Close()
}

// Unload removes name. The artifact stays mapped until in-flight calls on
// it return.
func (r *Registry) Unload(name string) bool {
	r.mu.Lock()
	h, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.retire()
	r.metrics.Swaps.WithLabelValues(name, "unload").Inc()
	logging.Loader("unloaded %s", name)
	return true
}

// LoadedNames returns the registered names in sorted order.
func (r *Registry) LoadedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HandleInfo describes a registry entry.
type HandleInfo struct {
	Name     string                `json:"name"`
	Path     string                `json:"path"`
	LoadedAt time.Time             `json:"loaded_at"`
	Stats    types.MetricsSnapshot `json:"stats"`
}

// Info describes the current entry for name.
func (r *Registry) Info(name string) (HandleInfo, bool) {
	r.mu.RLock()
	h, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return HandleInfo{}, false
	}
	return HandleInfo{Name: h.name, Path: h.path, LoadedAt: h.loadedAt, Stats: h.snapshot()}, true
}

// Stats returns execution counters of the current entry for name. A name
// that is not loaded has zero stats.
func (r *Registry) Stats(name string) types.MetricsSnapshot {
	if info, ok := r.Info(name); ok {
		return info.Stats
	}
	return types.MetricsSnapshot{CollectedAt: time.Now().UTC()}
}

func (r *Registry) lookup(name string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[name]
	if ok {
		h.acquire()
	}
	return h, ok
}

// Execute marshals args to JSON, calls the skill and returns its JSON
// result. args may be json.RawMessage or []byte holding JSON already.
func (r *Registry) Execute(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ExecError{Name: name, Err: err}
	}
	payload, err := encodeArgs(args)
	if err != nil {
		return nil, &ExecError{Name: name, Err: err}
	}

	h, ok := r.lookup(name)
	if !ok {
		return nil, &ExecError{Name: name, Err: ErrNotLoaded}
	}
	defer h.release()

	start := time.Now()
	out, ok := h.mod.Call(payload)
	elapsed := time.Since(start)

	h.calls.Add(1)
	h.nanos.Add(int64(elapsed))
	r.metrics.ExecDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	switch {
	case !ok:
		err = ErrNullResult
	case !utf8.Valid(out) || !json.Valid(out):
		err = fmt.Errorf("%w: %.80q", ErrMalformedResult, out)
	}
	if err != nil {
		h.errors.Add(1)
		r.metrics.ExecTotal.WithLabelValues(name, "error").Inc()
		logging.LoaderDebug("execute %s failed: %v", name, err)
		return nil, &ExecError{Name: name, Err: err}
	}
	r.metrics.ExecTotal.WithLabelValues(name, "ok").Inc()
	return json.RawMessage(out), nil
}

// ExecuteInto is Execute followed by json.Unmarshal into out.
func (r *Registry) ExecuteInto(ctx context.Context, name string, args, out any) error {
	raw, err := r.Execute(ctx, name, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ExecError{Name: name, Err: fmt.Errorf("%w: %v", ErrMalformedResult, err)}
	}
	return nil
}

func encodeArgs(args any) ([]byte, error) {
	var payload []byte
	switch v := args.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		return b, nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("args are not valid JSON")
	}
	return payload, nil
}

// Close unloads every entry.
func (r *Registry) Close() {
	for _, name := range r.LoadedNames() {
		r.Unload(name)
	}
}
