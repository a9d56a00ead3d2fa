package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName scopes the service's own instruments.
const MeterName = "github.com/3leaps/cipherhub"

// MeterProvider returns the provider packages should record into: the global
// otel provider when metrics are enabled, otherwise a noop provider.
func MeterProvider(enabled bool) metric.MeterProvider {
	if !enabled {
		return noop.NewMeterProvider()
	}
	return otel.GetMeterProvider()
}

// HTTPMetrics records per-request counters and latency.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewHTTPMetrics(mp metric.MeterProvider) *HTTPMetrics {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &HTTPMetrics{}

	var err error
	m.requests, err = meter.Int64Counter(
		"cipherhub.http.requests",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.requests, _ = noop.NewMeterProvider().Meter(MeterName).Int64Counter("cipherhub.http.requests")
	}
	m.duration, err = meter.Float64Histogram(
		"cipherhub.http.duration",
		metric.WithDescription("HTTP request latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.duration, _ = noop.NewMeterProvider().Meter(MeterName).Float64Histogram("cipherhub.http.duration")
	}
	return m
}

// Record adds one served request.
func (m *HTTPMetrics) Record(ctx context.Context, route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.String("http.method", method),
		attribute.Int("http.status_code", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}
