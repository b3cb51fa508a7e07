package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"helix/internal/logging"
	"helix/internal/metrics"
)

// Async delivers records to a sink from a single worker. Emit never blocks:
// when the buffer is full the record is dropped and counted.
type Async struct {
	sink    Sink
	ch      chan Record
	closed  atomic.Bool
	mu      sync.RWMutex // guards ch against send-after-close
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewAsync starts the worker. bufferSize below 1 means 1.
func NewAsync(sink Sink, bufferSize int, m *metrics.Metrics) *Async {
	if bufferSize < 1 {
		bufferSize = 1
	}
	a := &Async{
		sink:    sink,
		ch:      make(chan Record, bufferSize),
		metrics: metrics.OrNop(m),
		timeout: 10 * time.Second,
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

func (a *Async) Emit(rec Record) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		logging.AuditWarn("audit record %s dropped: emitter closed", rec.ID)
		a.metrics.AuditDropped.Inc()
		return
	}
	select {
	case a.ch <- rec:
		a.metrics.AuditBufferFill.Set(float64(len(a.ch)) / float64(cap(a.ch)))
	default:
		logging.AuditWarn("audit buffer full; dropped %s record for %s", rec.Kind, rec.Skill)
		a.metrics.AuditDropped.Inc()
	}
}

func (a *Async) worker() {
	defer a.wg.Done()
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := Write(ctx, a.sink, rec); err != nil {
			logging.AuditWarn("audit sink write failed for %s: %v", rec.Key(), err)
		} else {
			logging.AuditDebug("recorded %s %s", rec.Kind, rec.Key())
		}
		cancel()
		a.metrics.AuditBufferFill.Set(float64(len(a.ch)) / float64(cap(a.ch)))
	}
}

// Close stops accepting records, drains the buffer and closes the sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		return nil
	}
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	return a.sink.Close()
}
