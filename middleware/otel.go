package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpwire/mcpwire/protocol"
)

const instrumentationName = "github.com/mcpwire/mcpwire"

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*otelConfig)

type otelConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	skipMethods    map[string]bool
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *otelConfig) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) OTelOption {
	return func(c *otelConfig) {
		c.meterProvider = mp
	}
}

// WithOTelServiceName sets the service.name attribute stamped on spans and
// metrics.
func WithOTelServiceName(name string) OTelOption {
	return func(c *otelConfig) {
		c.serviceName = name
	}
}

// WithOTelSkipMethods exempts methods from instrumentation. High-frequency
// keep-alives like ping are the usual candidates.
func WithOTelSkipMethods(methods ...string) OTelOption {
	return func(c *otelConfig) {
		for _, m := range methods {
			c.skipMethods[m] = true
		}
	}
}

// otelInstruments bundles the metric instruments shared by every request
// passing through one OTel middleware instance.
type otelInstruments struct {
	requests *counterOrNoop
	duration metric.Float64Histogram
	errors   *counterOrNoop
}

// counterOrNoop guards against instrument construction failures so a broken
// meter never takes the request path down with it.
type counterOrNoop struct {
	c metric.Int64Counter
}

func (c *counterOrNoop) add(ctx context.Context, attrs []attribute.KeyValue) {
	if c.c != nil {
		c.c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func newInstruments(meter metric.Meter) otelInstruments {
	requests, _ := meter.Int64Counter(
		"mcp.server.requests",
		metric.WithDescription("Total number of MCP requests"),
		metric.WithUnit("{request}"),
	)
	duration, _ := meter.Float64Histogram(
		"mcp.server.request.duration",
		metric.WithDescription("Duration of MCP requests"),
		metric.WithUnit("ms"),
	)
	errCounter, _ := meter.Int64Counter(
		"mcp.server.errors",
		metric.WithDescription("Total number of MCP errors"),
		metric.WithUnit("{error}"),
	)
	return otelInstruments{
		requests: &counterOrNoop{c: requests},
		duration: duration,
		errors:   &counterOrNoop{c: errCounter},
	}
}

// OTel returns middleware that traces each request as an "mcp.<method>"
// server span and records request, duration, and error metrics. Providers
// default to the otel globals so the middleware is inert until the host
// process installs an SDK.
func OTel(opts ...OTelOption) Middleware {
	cfg := &otelConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		serviceName:    "mcp-server",
		skipMethods:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tracer := cfg.tracerProvider.Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion("1.0.0"),
	)
	inst := newInstruments(cfg.meterProvider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion("1.0.0"),
	))

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Message) (*protocol.Message, error) {
			if cfg.skipMethods[req.Method] {
				return next(ctx, req)
			}

			attrs := []attribute.KeyValue{
				attribute.String("mcp.method", req.Method),
				attribute.String("service.name", cfg.serviceName),
			}

			ctx, span := tracer.Start(ctx, "mcp."+req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			if reqID := RequestIDFromContext(ctx); reqID != "" {
				span.SetAttributes(attribute.String("mcp.request_id", reqID))
			}

			inst.requests.add(ctx, attrs)
			start := time.Now()

			resp, err := next(ctx, req)

			if inst.duration != nil {
				elapsed := float64(time.Since(start).Milliseconds())
				inst.duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
			}
			recordOutcome(ctx, span, inst, attrs, resp, err)
			return resp, err
		}
	}
}

// recordOutcome stamps the span status and error metrics from either a
// transport-level error or an error embedded in the response envelope.
func recordOutcome(ctx context.Context, span trace.Span, inst otelInstruments, attrs []attribute.KeyValue, resp *protocol.Message, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var perr *protocol.Error
		if errors.As(err, &perr) {
			span.SetAttributes(attribute.Int("mcp.error_code", perr.Code))
			attrs = append(attrs, attribute.Int("mcp.error_code", perr.Code))
		}
		inst.errors.add(ctx, attrs)
	case resp != nil && resp.Error != nil:
		span.SetStatus(codes.Error, resp.Error.Message)
		span.SetAttributes(attribute.Int("mcp.error_code", resp.Error.Code))
		inst.errors.add(ctx, append(attrs, attribute.Int("mcp.error_code", resp.Error.Code)))
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// SpanFromContext returns the active span, or a no-op span when tracing is
// not installed.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches a named event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttribute sets one attribute on the active span, mapping the value
// to the matching typed attribute. Unsupported types are ignored.
func SetSpanAttribute(ctx context.Context, key string, value any) {
	span := trace.SpanFromContext(ctx)
	switch v := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, v))
	case int:
		span.SetAttributes(attribute.Int(key, v))
	case int64:
		span.SetAttributes(attribute.Int64(key, v))
	case float64:
		span.SetAttributes(attribute.Float64(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	case []string:
		span.SetAttributes(attribute.StringSlice(key, v))
	}
}
