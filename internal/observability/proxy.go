package observability

import (
	"net/http"
	"time"

	"llmproxy/internal/ratelimit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProxyMetrics carries the relay-path instruments: admission decisions by
// outcome, upstream exchange latency, and relays that end in a server error.
type ProxyMetrics struct {
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
	failures  metric.Int64Counter
}

// NewProxyMetrics creates the meter instruments for the forwarding path.
func NewProxyMetrics() (*ProxyMetrics, error) {
	meter := otel.Meter("llmproxy/proxy")

	decisions, err := meter.Int64Counter(
		"proxy.decisions",
		metric.WithDescription("Rate limit admission decisions by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"proxy.upstream.duration",
		metric.WithDescription("Duration of relayed upstream exchanges in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"proxy.upstream.errors",
		metric.WithDescription("Number of relayed requests that ended in a server error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ProxyMetrics{
		decisions: decisions,
		duration:  duration,
		failures:  failures,
	}, nil
}

// DecisionObserver returns a callback for the rate limit middleware that
// counts every keyed admission decision.
func (m *ProxyMetrics) DecisionObserver() ratelimit.DecisionObserver {
	return func(r *http.Request, _ string, allowed bool, _ ratelimit.Info) {
		outcome := "rejected"
		if allowed {
			outcome = "admitted"
		}
		m.decisions.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// InstrumentedHandler wraps the relay handler, timing each upstream exchange
// and counting relays that conclude with a server error. Recording is
// deferred so a stream aborted mid-relay still lands in the histogram.
func (m *ProxyMetrics) InstrumentedHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &relayRecorder{ResponseWriter: w}

		defer func() {
			attrs := metric.WithAttributes(attribute.String("method", r.Method))
			m.duration.Record(r.Context(), time.Since(start).Seconds(), attrs)
			if rec.status >= http.StatusInternalServerError {
				m.failures.Add(r.Context(), 1, attrs)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}

// relayRecorder captures the status code written through it. Flush and
// Unwrap pass through so streamed relays keep flushing incrementally behind
// the recorder.
type relayRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *relayRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *relayRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *relayRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *relayRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
