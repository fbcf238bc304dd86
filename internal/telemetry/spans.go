package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/gateway"
	"github.com/smilit/proxycast-sub002/internal/resilience"
)

// Span attribute keys.
const (
	AttrProtocol     = "proxycast.protocol"
	AttrModel        = "proxycast.model"
	AttrBackendModel = "proxycast.backend_model"
	AttrStream       = "proxycast.stream"
	AttrCredential   = "proxycast.credential"
	AttrAttempts     = "proxycast.attempts"
	AttrAttempt      = "proxycast.attempt"
	AttrFailure      = "proxycast.failure"
	AttrDelayMs      = "proxycast.delay_ms"
	AttrStopReason   = "proxycast.stop_reason"
	AttrInputTokens  = "proxycast.tokens.input"
	AttrOutputTokens = "proxycast.tokens.output"
	AttrErrorType    = "proxycast.error.type"
)

// SpanObserver annotates the span already in the request context, normally
// the otelhttp server span. Machine transitions become span events and the
// finished call sets attributes and status.
type SpanObserver struct{}

func (SpanObserver) OnEvent(ctx context.Context, ev resilience.Event) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrCredential, ev.Credential),
		attribute.Int(AttrAttempt, ev.TotalAttempts),
	}
	if ev.Failure != resilience.FailureNone {
		attrs = append(attrs, attribute.String(AttrFailure, string(ev.Failure)))
	}
	if ev.Type == resilience.EventRetry {
		attrs = append(attrs, attribute.Int64(AttrDelayMs, ev.Delay.Milliseconds()))
	}
	if ev.Switch != nil {
		attrs = append(attrs, attribute.String("proxycast.switch.to", ev.Switch.To))
	}
	span.AddEvent("resilience."+string(ev.Type), trace.WithAttributes(attrs...))
}

func (SpanObserver) OnCall(ctx context.Context, info gateway.CallInfo) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String(AttrProtocol, string(info.Protocol)),
		attribute.String(AttrModel, info.Model),
		attribute.String(AttrBackendModel, info.BackendModel),
		attribute.Bool(AttrStream, info.Stream),
		attribute.String(AttrCredential, info.Credential),
		attribute.Int(AttrAttempts, info.Attempts),
	)
	if !info.StopReason.IsZero() {
		span.SetAttributes(attribute.String(AttrStopReason, info.StopReason.String()))
	}
	if info.Usage != nil {
		span.SetAttributes(
			attribute.Int(AttrInputTokens, info.Usage.InputTokens),
			attribute.Int(AttrOutputTokens, info.Usage.OutputTokens),
		)
	}
	if info.Err != nil {
		span.SetAttributes(attribute.String(AttrErrorType, string(domain.ToAPIError(info.Err).Type)))
		span.RecordError(info.Err)
		span.SetStatus(codes.Error, info.Err.Error())
	}
}
