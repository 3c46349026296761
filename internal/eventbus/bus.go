// Package eventbus provides the in-process typed publish/subscribe channel
// between the pipeline and downstream consumers (SSE streams, notifiers).
// Publication is non-blocking: when the queue is full events are dropped and
// counted, never delaying the hot path.
package eventbus

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pulse-obs/pulse/internal/model"
)

// MetricAggregated is published once per finalized Metric.
type MetricAggregated struct {
	Metric model.Metric
}

// AlertTriggered is published once per persisted alert.
type AlertTriggered struct {
	Alert model.Alert
}

// Bus fans out typed events to registered handlers on a single dispatch
// goroutine. Handlers must be registered before Start and must not block;
// slow consumers cost everyone queued events.
type Bus struct {
	queue   chan any
	dropped atomic.Int64

	metricSubs []func(MetricAggregated)
	alertSubs  []func(AlertTriggered)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Bus with the given queue capacity.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Bus{
		queue:  make(chan any, queueSize),
		stopCh: make(chan struct{}),
	}
}

// SubscribeMetrics registers a handler for MetricAggregated events.
// Not safe to call after Start.
func (b *Bus) SubscribeMetrics(fn func(MetricAggregated)) {
	b.metricSubs = append(b.metricSubs, fn)
}

// SubscribeAlerts registers a handler for AlertTriggered events.
// Not safe to call after Start.
func (b *Bus) SubscribeAlerts(fn func(AlertTriggered)) {
	b.alertSubs = append(b.alertSubs, fn)
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatchLoop()
	})
}

// Stop drains queued events and returns once dispatch has finished.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// PublishMetric enqueues a MetricAggregated event. Non-blocking; drops on overflow.
func (b *Bus) PublishMetric(ev MetricAggregated) {
	b.publish(ev)
}

// PublishAlert enqueues an AlertTriggered event. Non-blocking; drops on overflow.
func (b *Bus) PublishAlert(ev AlertTriggered) {
	b.publish(ev)
}

// Dropped returns the number of events discarded due to a full queue.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) publish(ev any) {
	select {
	case b.queue <- ev:
	default:
		if b.dropped.Add(1)%1000 == 1 {
			log.Printf("[eventbus] queue full, dropping events (total dropped: %d)", b.dropped.Load())
		}
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopCh:
			// Drain remaining.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev any) {
	switch e := ev.(type) {
	case MetricAggregated:
		for _, fn := range b.metricSubs {
			fn(e)
		}
	case AlertTriggered:
		for _, fn := range b.alertSubs {
			fn(e)
		}
	}
}
