package telemetry

import (
	"context"
	"log/slog"

	"github.com/smilit/proxycast-sub002/internal/gateway"
	"github.com/smilit/proxycast-sub002/internal/resilience"
	"github.com/smilit/proxycast-sub002/internal/server"
)

// LogObserver writes retries, switches and call summaries to a logger.
// Attempts and successes are logged at debug level.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnEvent(ctx context.Context, ev resilience.Event) {
	attrs := []any{
		slog.String("request_id", server.GetRequestID(ctx)),
		slog.String("credential", ev.Credential),
		slog.Int("attempt", ev.Attempt),
		slog.Int("total_attempts", ev.TotalAttempts),
	}
	if ev.Failure != resilience.FailureNone {
		attrs = append(attrs, slog.String("failure", string(ev.Failure)))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	switch ev.Type {
	case resilience.EventRetry:
		attrs = append(attrs, slog.Duration("delay", ev.Delay))
		o.logger.WarnContext(ctx, "retrying backend call", attrs...)
	case resilience.EventSwitch:
		if ev.Switch != nil {
			attrs = append(attrs, slog.String("from", ev.Switch.From), slog.String("to", ev.Switch.To))
		}
		o.logger.WarnContext(ctx, "switching credential", attrs...)
	case resilience.EventExhausted:
		attrs = append(attrs, slog.String("kind", string(ev.Kind)))
		o.logger.ErrorContext(ctx, "backend call exhausted", attrs...)
	case resilience.EventFatal:
		o.logger.WarnContext(ctx, "backend call failed", attrs...)
	default:
		o.logger.DebugContext(ctx, "backend "+string(ev.Type), attrs...)
	}
}

func (o *LogObserver) OnCall(ctx context.Context, info gateway.CallInfo) {
	attrs := []any{
		slog.String("request_id", server.GetRequestID(ctx)),
		slog.String("protocol", string(info.Protocol)),
		slog.String("model", info.Model),
		slog.String("backend_model", info.BackendModel),
		slog.Bool("stream", info.Stream),
		slog.String("credential", info.Credential),
		slog.Int("attempts", info.Attempts),
		slog.Duration("duration", info.Duration),
	}
	if !info.StopReason.IsZero() {
		attrs = append(attrs, slog.String("stop_reason", info.StopReason.String()))
	}
	if info.Usage != nil {
		attrs = append(attrs,
			slog.Int("input_tokens", info.Usage.InputTokens),
			slog.Int("output_tokens", info.Usage.OutputTokens),
		)
	}
	if info.Err != nil {
		attrs = append(attrs, slog.String("error", info.Err.Error()))
		o.logger.WarnContext(ctx, "call finished with error", attrs...)
		return
	}
	o.logger.InfoContext(ctx, "call finished", attrs...)
}
