package events

import (
	"sync"
	"sync/atomic"

	"PPCollab/logger"
	"PPCollab/tools/safe"

	"go.uber.org/zap"
)

// Bus fans events out to sinks on one background goroutine, preserving
// publish order. A full buffer drops the event rather than stalling callers.
type Bus struct {
	mu      sync.RWMutex
	sinks   []Sink
	ch      chan Event
	dropped atomic.Int64

	closeMu sync.RWMutex
	closed  bool
	stopped chan struct{}
	log     *zap.Logger
}

func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{
		sinks:   sinks,
		ch:      make(chan Event, buffer),
		stopped: make(chan struct{}),
		log:     logger.Named("events"),
	}
	safe.SafeGo("event-bus", b.loop)
	return b
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Publish(e Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			b.log.Warn("event buffer full, dropping", zap.String("type", e.Type), zap.Int64("dropped", n))
		}
	}
}

func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits until buffered ones are delivered.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.closeMu.Unlock()
	<-b.stopped
}

func (b *Bus) loop() {
	defer close(b.stopped)
	for e := range b.ch {
		b.mu.RLock()
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.RUnlock()
		for _, s := range sinks {
			b.deliver(s, e)
		}
	}
}

func (b *Bus) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("sink panic", zap.String("sink", s.Name()), zap.Any("panic", r))
		}
	}()
	if err := s.Handle(e); err != nil {
		b.log.Warn("sink failed", zap.String("sink", s.Name()), zap.String("type", e.Type), zap.Error(err))
	}
}

// LogSink writes events to zap.
type LogSink struct{ Log *zap.Logger }

func (LogSink) Name() string { return "log" }

func (s LogSink) Handle(e Event) error {
	s.Log.Debug("event", zap.String("source", e.Source), zap.String("type", e.Type), zap.Any("data", e.Data))
	return nil
}
