// Package events delivers ordered lifecycle notifications to the
// presentation bridge. The core's only obligation is emission order;
// rendering and transport live outside the core.
package events

import (
	"log/slog"
	"sync"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// Sink receives lifecycle events in strict state-transition order. Emit
// must not block the workflow for long; slow consumers should buffer.
type Sink interface {
	Emit(event contracts.LifecycleEvent)
}

// MemorySink records events in order. Used by tests and by callers that
// inspect a session's event history after the fact.
type MemorySink struct {
	mu     sync.Mutex
	events []contracts.LifecycleEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(event contracts.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything emitted so far, in order.
func (s *MemorySink) Events() []contracts.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ForSession filters the recorded events to one session, keeping order.
func (s *MemorySink) ForSession(sessionID string) []contracts.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.LifecycleEvent
	for _, e := range s.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// ChannelSink forwards events to a buffered channel for an external
// consumer. A full channel drops the event rather than stalling the
// workflow; the consumer is expected to size the buffer for its load.
type ChannelSink struct {
	ch      chan contracts.LifecycleEvent
	logger  *slog.Logger
	dropped int
	mu      sync.Mutex
}

func NewChannelSink(buffer int, logger *slog.Logger) *ChannelSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelSink{ch: make(chan contracts.LifecycleEvent, buffer), logger: logger}
}

func (s *ChannelSink) Emit(event contracts.LifecycleEvent) {
	select {
	case s.ch <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("lifecycle event dropped, consumer too slow",
			"type", event.Type, "session", event.SessionID)
	}
}

// Events exposes the consumer side of the channel.
func (s *ChannelSink) Events() <-chan contracts.LifecycleEvent { return s.ch }

// Dropped reports how many events were discarded.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// LogSink writes every event to structured logs.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(event contracts.LifecycleEvent) {
	s.logger.Info("lifecycle event",
		"type", event.Type, "session", event.SessionID, "entity", event.EntityID,
		"stage", event.Stage, "state", event.State)
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(event contracts.LifecycleEvent) {
	for _, s := range m {
		s.Emit(event)
	}
}
