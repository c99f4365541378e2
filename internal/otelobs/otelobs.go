// Package otelobs wires OpenTelemetry tracing and metrics into the
// dispatcher's CommandMonitor hook, mirroring the
// "observability is a pluggable monitor" shape seen in
// go-core-stack-core/db/mongo.go's otelmongo.NewMonitor() wiring --
// generalized here to our own driver.CommandMonitor rather than the
// upstream driver's event.CommandMonitor.
package otelobs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basinlabs/mongowire/driver"
)

const instrumentationName = "github.com/basinlabs/mongowire"

// Monitor wraps command dispatch with a span per dispatched command
// and a duration histogram plus retry counter, recording command name
// and outcome.
type Monitor struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	retries  metric.Int64Counter

	mu     sync.Mutex
	spans  map[spanKey]spanState
}

type spanKey struct {
	commandName string
	database    string
}

type spanState struct {
	span  trace.Span
	start time.Time
}

// NewMonitor constructs a Monitor using the global otel TracerProvider
// and MeterProvider (otel.Tracer / otel.Meter); it takes no provider
// arguments.
func NewMonitor() *Monitor {
	meter := otel.Meter(instrumentationName)
	duration, _ := meter.Float64Histogram(
		"mongowire.command.duration",
		metric.WithDescription("duration of dispatched commands in milliseconds"),
		metric.WithUnit("ms"),
	)
	retries, _ := meter.Int64Counter(
		"mongowire.command.retries",
		metric.WithDescription("count of command retries performed by the dispatcher"),
	)
	return &Monitor{
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		retries:  retries,
		spans:    make(map[spanKey]spanState),
	}
}

// CommandMonitor returns the driver.CommandMonitor this Monitor drives,
// suitable for assignment to driver.Operation.CommandMonitor.
func (m *Monitor) CommandMonitor() *driver.CommandMonitor {
	return &driver.CommandMonitor{
		Started:   m.started,
		Succeeded: m.succeeded,
		Failed:    m.failed,
	}
}

func (m *Monitor) started(ctx context.Context, evt *driver.CommandStartedEvent) {
	_, span := m.tracer.Start(ctx, "mongodb."+evt.CommandName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "mongodb"),
			attribute.String("db.operation", evt.CommandName),
			attribute.String("db.name", evt.Database),
		),
	)
	m.mu.Lock()
	m.spans[spanKey{evt.CommandName, evt.Database}] = spanState{span: span, start: time.Now()}
	m.mu.Unlock()
}

func (m *Monitor) succeeded(ctx context.Context, evt *driver.CommandSucceededEvent) {
	state, ok := m.take(evt.CommandName, "")
	if !ok {
		return
	}
	state.span.SetStatus(codes.Ok, "")
	state.span.End()
	m.recordDuration(ctx, evt.CommandName, state.start)
}

func (m *Monitor) failed(ctx context.Context, evt *driver.CommandFailedEvent) {
	state, ok := m.take(evt.CommandName, "")
	if !ok {
		return
	}
	state.span.RecordError(evt.Failure)
	state.span.SetStatus(codes.Error, evt.Failure.Error())
	state.span.End()
	m.recordDuration(ctx, evt.CommandName, state.start)
}

// take finds and removes the open span for this command. The database
// key is intentionally loose (matched on command name only) since a
// single operation never dispatches the same command name twice
// concurrently on this Monitor's owning Binding.
func (m *Monitor) take(commandName, database string) (spanState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.spans {
		if k.commandName == commandName {
			delete(m.spans, k)
			return v, true
		}
	}
	return spanState{}, false
}

func (m *Monitor) recordDuration(ctx context.Context, commandName string, start time.Time) {
	if m.duration == nil {
		return
	}
	m.duration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("db.operation", commandName)))
}

// RecordRetry increments the retry counter for commandName; callers
// wire this into the dispatcher's retry path since retries are not
// otherwise visible as a distinct CommandMonitor event.
func (m *Monitor) RecordRetry(ctx context.Context, commandName string) {
	if m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("db.operation", commandName)))
}
