package core

import (
	"context"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-orchestrator/core"

var (
	attrOperation    = attribute.Key("flow.operation")
	attrCapabilityID = attribute.Key("flow.capability.id")
	attrInstanceID   = attribute.Key("flow.instance.id")
	attrEvent        = attribute.Key("flow.event")
	attrErrorCode    = attribute.Key("flow.error.code")
	attrErrorClass   = attribute.Key("flow.error.class")
)

// telemetry holds RED instruments for engine operations. With no providers
// configured the otel globals are no-ops.
type telemetry struct {
	tracer     trace.Tracer
	operations metric.Int64Counter
	errors     metric.Int64Counter
	conflicts  metric.Int64Counter
	duration   metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.operations, err = meter.Int64Counter("flow.operations.total",
		metric.WithDescription("Engine operations processed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if t.errors, err = meter.Int64Counter("flow.errors.total",
		metric.WithDescription("Engine operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if t.conflicts, err = meter.Int64Counter("flow.conflicts.total",
		metric.WithDescription("Commits rejected by a concurrent writer"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, err
	}
	if t.duration, err = meter.Float64Histogram("flow.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return t, nil
}

// track starts a span for op and returns a function recording the outcome.
func (t *telemetry) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append([]attribute.KeyValue{attrOperation.String(op)}, attrs...)
	ctx, span := t.tracer.Start(ctx, "flow."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		t.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
		t.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			errAttrs := append(attrs,
				attrErrorCode.String(orchestrator.ErrorCode(err)),
				attrErrorClass.String(string(orchestrator.Classify(err))),
			)
			t.errors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
			span.RecordError(err)
			span.SetStatus(codes.Error, orchestrator.ErrorCode(err))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (t *telemetry) conflict(ctx context.Context, op string) {
	t.conflicts.Add(ctx, 1, metric.WithAttributes(attrOperation.String(op)))
	trace.SpanFromContext(ctx).AddEvent("version_conflict")
}
