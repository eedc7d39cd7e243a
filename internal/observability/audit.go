package observability

import (
	"context"
	"time"

	"llmproxy/internal/audit"
	"llmproxy/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps an audit.Store implementation with OpenTelemetry
// tracing and metrics instrumentation.
type InstrumentedStore struct {
	inner    audit.Store
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStore creates an audit store wrapper that records trace
// spans, operation latency histograms, and error counters for every store
// method call.
func NewInstrumentedStore(inner audit.Store) (*InstrumentedStore, error) {
	tracer := otel.Tracer("llmproxy/audit")
	meter := otel.Meter("llmproxy/audit")

	duration, err := meter.Float64Histogram(
		"audit.operation.duration",
		metric.WithDescription("Duration of audit store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"audit.operation.errors",
		metric.WithDescription("Number of audit store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "audit."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("audit.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStore) Record(ctx context.Context, rec *models.UsageRecord) error {
	ctx, span := s.startSpan(ctx, "Record",
		attribute.Bool("admitted", rec.Admitted),
		attribute.Int("status", rec.Status),
	)
	start := time.Now()
	err := s.inner.Record(ctx, rec)
	s.record(ctx, span, "Record", start, err)
	return err
}

func (s *InstrumentedStore) Recent(ctx context.Context, limit int) ([]*models.UsageRecord, error) {
	ctx, span := s.startSpan(ctx, "Recent", attribute.Int("limit", limit))
	start := time.Now()
	result, err := s.inner.Recent(ctx, limit)
	s.record(ctx, span, "Recent", start, err)
	return result, err
}

func (s *InstrumentedStore) Summary(ctx context.Context) (*models.UsageSummary, error) {
	ctx, span := s.startSpan(ctx, "Summary")
	start := time.Now()
	result, err := s.inner.Summary(ctx)
	s.record(ctx, span, "Summary", start, err)
	return result, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
