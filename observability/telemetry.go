package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/manager"
)

const instrumentationName = "github.com/kart-io/apnshub"

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	Insecure       bool
	SampleRate     float64
	Enabled        bool
}

// Telemetry records manager activity as OpenTelemetry metrics and spans. It
// implements manager.Observer.
type Telemetry struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	// Metrics
	notificationsSent     metric.Int64Counter
	writeFailures         metric.Int64Counter
	notificationsRejected metric.Int64Counter
	notificationsRequeued metric.Int64Counter
	connectionEvents      metric.Int64Counter
	expiredTokens         metric.Int64Counter
	residualNotifications metric.Int64Histogram
}

var _ manager.Observer = (*Telemetry)(nil)

// NewTelemetry builds a Telemetry from cfg. When cfg is disabled the global
// providers are used, which are no-ops unless the application installed
// others.
func NewTelemetry(cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "apnshub"
	}
	if !cfg.Enabled {
		return NewTelemetryWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
	}

	traceProvider, err := newTraceProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t, err := NewTelemetryWithProviders(traceProvider, otel.GetMeterProvider())
	if err != nil {
		_ = traceProvider.Shutdown(context.Background())
		return nil, err
	}
	t.traceProvider = traceProvider
	return t, nil
}

// NewTelemetryWithProviders builds a Telemetry on caller-owned providers.
// Shutdown leaves them running.
func NewTelemetryWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	t := &Telemetry{
		tracer: tp.Tracer(instrumentationName, trace.WithSchemaURL(semconv.SchemaURL)),
		meter:  mp.Meter(instrumentationName, metric.WithSchemaURL(semconv.SchemaURL)),
	}
	if err := t.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return t, nil
}

func newTraceProvider(cfg TelemetryConfig) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

func (t *Telemetry) initMetrics() error {
	var err error

	t.notificationsSent, err = t.meter.Int64Counter(
		"apns_notifications_sent_total",
		metric.WithDescription("Notifications handed to a gateway connection"),
	)
	if err != nil {
		return fmt.Errorf("create notifications_sent counter: %w", err)
	}

	t.writeFailures, err = t.meter.Int64Counter(
		"apns_write_failures_total",
		metric.WithDescription("Notifications that could not be written and were queued for retry"),
	)
	if err != nil {
		return fmt.Errorf("create write_failures counter: %w", err)
	}

	t.notificationsRejected, err = t.meter.Int64Counter(
		"apns_notifications_rejected_total",
		metric.WithDescription("Notifications the gateway rejected"),
	)
	if err != nil {
		return fmt.Errorf("create notifications_rejected counter: %w", err)
	}

	t.notificationsRequeued, err = t.meter.Int64Counter(
		"apns_notifications_requeued_total",
		metric.WithDescription("Notifications returned unprocessed after a rejection"),
	)
	if err != nil {
		return fmt.Errorf("create notifications_requeued counter: %w", err)
	}

	t.connectionEvents, err = t.meter.Int64Counter(
		"apns_connection_events_total",
		metric.WithDescription("Gateway connection lifecycle transitions"),
	)
	if err != nil {
		return fmt.Errorf("create connection_events counter: %w", err)
	}

	t.expiredTokens, err = t.meter.Int64Counter(
		"apns_expired_tokens_total",
		metric.WithDescription("Expired tokens received from the feedback service"),
	)
	if err != nil {
		return fmt.Errorf("create expired_tokens counter: %w", err)
	}

	t.residualNotifications, err = t.meter.Int64Histogram(
		"apns_shutdown_residual_notifications",
		metric.WithDescription("Notifications left unsent when a manager shut down"),
	)
	if err != nil {
		return fmt.Errorf("create residual_notifications histogram: %w", err)
	}

	return nil
}

// NotificationSent implements manager.Observer.
func (t *Telemetry) NotificationSent() {
	t.notificationsSent.Add(context.Background(), 1)
}

// WriteFailed implements manager.Observer.
func (t *Telemetry) WriteFailed(error) {
	t.writeFailures.Add(context.Background(), 1)
}

// NotificationRejected implements manager.Observer.
func (t *Telemetry) NotificationRejected(reason apns.RejectionReason) {
	t.notificationsRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason.String()),
	))
}

// NotificationsRequeued implements manager.Observer.
func (t *Telemetry) NotificationsRequeued(n int) {
	t.notificationsRequeued.Add(context.Background(), int64(n))
}

// Connection implements manager.Observer.
func (t *Telemetry) Connection(event manager.ConnectionEvent) {
	t.connectionEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", string(event)),
	))
}

// ExpiredTokensReceived implements manager.Observer.
func (t *Telemetry) ExpiredTokensReceived(n int) {
	t.expiredTokens.Add(context.Background(), int64(n))
}

// ShutdownStarted implements manager.Observer with an apns.manager.shutdown
// span.
func (t *Telemetry) ShutdownStarted() func(residual int) {
	ctx, span := t.tracer.Start(context.Background(), "apns.manager.shutdown",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return func(residual int) {
		t.residualNotifications.Record(ctx, int64(residual))
		span.SetAttributes(attribute.Int("apns.residual.count", residual))
		if residual > 0 {
			span.SetStatus(codes.Error, "notifications left unsent")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// FeedbackSessionStarted implements manager.Observer with an
// apns.feedback.session span.
func (t *Telemetry) FeedbackSessionStarted() func(tokens int, err error) {
	_, span := t.tracer.Start(context.Background(), "apns.feedback.session",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return func(tokens int, err error) {
		span.SetAttributes(attribute.Int("apns.expired_tokens.count", tokens))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Shutdown flushes and stops the trace provider created by NewTelemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.traceProvider != nil {
		return t.traceProvider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer instance.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the meter instance.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}
