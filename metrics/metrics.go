// Package metrics records client lifecycle and traffic metrics with OpenTelemetry. Instruments
// are created from the global meter provider, which is a no-op unless telemetry is set up.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/getlantern/boxclient/engine"
)

const meterName = "github.com/getlantern/boxclient/metrics"

// TrafficFunc returns the traffic of the current session. ok is false when nothing is running.
type TrafficFunc func() (t engine.Traffic, ok bool)

// Lifecycle records starts, stops and session durations, and reports the traffic of the running
// session as observable gauges.
type Lifecycle struct {
	starts        metric.Int64Counter
	startFailures metric.Int64Counter
	stops         metric.Int64Counter
	sessions      metric.Float64Histogram
	registration  metric.Registration
}

// NewLifecycle creates the instruments on the global meter provider.
func NewLifecycle(traffic TrafficFunc) *Lifecycle {
	return NewLifecycleWithMeter(otel.GetMeterProvider().Meter(meterName), traffic)
}

// NewLifecycleWithMeter creates the instruments on meter.
func NewLifecycleWithMeter(meter metric.Meter, traffic TrafficFunc) *Lifecycle {
	l := &Lifecycle{}
	var err error
	if l.starts, err = meter.Int64Counter("boxclient.starts", metric.WithDescription("Engine starts")); err != nil {
		slog.Warn("failed to create boxclient.starts metric", slog.Any("error", err))
		l.starts = noop.Int64Counter{}
	}
	if l.startFailures, err = meter.Int64Counter("boxclient.start_failures", metric.WithDescription("Failed engine starts")); err != nil {
		slog.Warn("failed to create boxclient.start_failures metric", slog.Any("error", err))
		l.startFailures = noop.Int64Counter{}
	}
	if l.stops, err = meter.Int64Counter("boxclient.stops", metric.WithDescription("Engine stops")); err != nil {
		slog.Warn("failed to create boxclient.stops metric", slog.Any("error", err))
		l.stops = noop.Int64Counter{}
	}
	if l.sessions, err = meter.Float64Histogram("boxclient.session_duration_seconds",
		metric.WithDescription("Duration of engine sessions in seconds"), metric.WithUnit("s")); err != nil {
		slog.Warn("failed to create boxclient.session_duration_seconds metric", slog.Any("error", err))
		l.sessions = noop.Float64Histogram{}
	}

	uplink, err := meter.Int64ObservableGauge("boxclient.session.uplink_bytes",
		metric.WithDescription("Bytes sent in the current session"), metric.WithUnit("By"))
	if err != nil {
		slog.Warn("failed to create boxclient.session.uplink_bytes metric", slog.Any("error", err))
		return l
	}
	downlink, err := meter.Int64ObservableGauge("boxclient.session.downlink_bytes",
		metric.WithDescription("Bytes received in the current session"), metric.WithUnit("By"))
	if err != nil {
		slog.Warn("failed to create boxclient.session.downlink_bytes metric", slog.Any("error", err))
		return l
	}
	if traffic == nil {
		return l
	}
	l.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		t, ok := traffic()
		if !ok {
			return nil
		}
		o.ObserveInt64(uplink, t.Uplink)
		o.ObserveInt64(downlink, t.Downlink)
		return nil
	}, uplink, downlink)
	if err != nil {
		slog.Warn("failed to register traffic callback", slog.Any("error", err))
	}
	return l
}

// Started records a successful start.
func (l *Lifecycle) Started(ctx context.Context) {
	l.starts.Add(ctx, 1)
}

// StartFailed records a failed start. kind classifies the failure, e.g. "engine".
func (l *Lifecycle) StartFailed(ctx context.Context, kind string) {
	l.startFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Stopped records the end of a session that lasted d.
func (l *Lifecycle) Stopped(ctx context.Context, d time.Duration) {
	l.stops.Add(ctx, 1)
	l.sessions.Record(ctx, d.Seconds())
}

// Close unregisters the traffic callback.
func (l *Lifecycle) Close() error {
	if l.registration == nil {
		return nil
	}
	return l.registration.Unregister()
}
