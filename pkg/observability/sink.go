package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// MetricsSink adapts lifecycle events into the provider's instruments so
// deployments get session and approval metrics without the orchestrator
// knowing about OpenTelemetry.
type MetricsSink struct {
	provider *Provider

	mu       sync.Mutex
	started  map[string]time.Time
	awaiting map[string]time.Time
}

// NewMetricsSink creates the adapter.
func NewMetricsSink(provider *Provider) *MetricsSink {
	return &MetricsSink{
		provider: provider,
		started:  make(map[string]time.Time),
		awaiting: make(map[string]time.Time),
	}
}

// Emit records the event. It never blocks.
func (s *MetricsSink) Emit(ev contracts.LifecycleEvent) {
	ctx := context.Background()
	switch ev.Type {
	case contracts.EventStageStarted:
		s.mu.Lock()
		if _, seen := s.started[ev.SessionID]; !seen {
			s.started[ev.SessionID] = ev.At
			if s.provider.activeSessions != nil {
				s.provider.activeSessions.Add(ctx, 1)
			}
		}
		s.mu.Unlock()
	case contracts.EventApprovalRequired:
		s.mu.Lock()
		s.awaiting[ev.SessionID] = ev.At
		s.mu.Unlock()
	case contracts.EventSessionCompleted, contracts.EventSessionFailed:
		s.finish(ctx, ev)
	}
}

func (s *MetricsSink) finish(ctx context.Context, ev contracts.LifecycleEvent) {
	s.mu.Lock()
	startedAt, tracked := s.started[ev.SessionID]
	awaitingSince, awaited := s.awaiting[ev.SessionID]
	delete(s.started, ev.SessionID)
	delete(s.awaiting, ev.SessionID)
	s.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("keel.entity", ev.EntityID),
		attribute.String("keel.state", string(ev.State)),
	)
	if s.provider.sessionCounter != nil {
		s.provider.sessionCounter.Add(ctx, 1, attrs)
	}
	if tracked {
		if s.provider.activeSessions != nil {
			s.provider.activeSessions.Add(ctx, -1)
		}
		if s.provider.sessionDuration != nil {
			s.provider.sessionDuration.Record(ctx, ev.At.Sub(startedAt).Seconds(), attrs)
		}
	}
	if awaited {
		s.provider.RecordApprovalWait(ctx, ev.At.Sub(awaitingSince), string(ev.State))
	}
	if ev.Type == contracts.EventSessionFailed && s.provider.errorCounter != nil {
		s.provider.errorCounter.Add(ctx, 1, attrs)
	}
}
