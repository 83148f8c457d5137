package stream

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName        = "prism-board/stream"
	intentSpanName    = "stream.intent"
	intentMetricsName = "stream.intent.metrics"
)

// Intent outcomes.
const (
	outcomeApplied   = "applied"
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
	outcomeLimited   = "rate_limited"
	outcomeFailed    = "failed"
)

type intentMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	event          string
	accountID      string
	requestID      string
	storeDuration  time.Duration
	fanoutDuration time.Duration
}

func newIntentMetrics(ctx context.Context, logger *log.Logger, event, accountID, requestID string) (*intentMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, intentSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("prism.intent.event", event),
			attribute.String("prism.account.id", accountID),
		))
	return &intentMetrics{
		logger:    logger,
		span:      span,
		start:     time.Now(),
		event:     event,
		accountID: accountID,
		requestID: requestID,
	}, ctx
}

func (m *intentMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *intentMetrics) ObserveFanout(d time.Duration) {
	if d > 0 {
		m.fanoutDuration = d
	}
}

// Finish ends the span and writes one structured entry for the intent.
func (m *intentMetrics) Finish(outcome string, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)
	m.span.SetAttributes(
		attribute.String("prism.intent.outcome", outcome),
		attribute.Float64("prism.intent.store_ms", durationToMillis(m.storeDuration)),
		attribute.Float64("prism.intent.fanout_ms", durationToMillis(m.fanoutDuration)),
	)
	if err != nil {
		m.span.RecordError(err)
		if outcome == outcomeFailed {
			m.span.SetStatus(codes.Error, err.Error())
		}
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event":    m.event,
		"account":  m.accountID,
		"outcome":  outcome,
		"total_ms": durationToMillis(total),
	}
	if m.requestID != "" {
		fields["request_id"] = m.requestID
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.fanoutDuration > 0 {
		fields["fanout_ms"] = durationToMillis(m.fanoutDuration)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := m.logger.WithFields(fields)
	switch outcome {
	case outcomeFailed:
		entry.Error(intentMetricsName)
	case outcomeRejected, outcomeLimited:
		entry.Warn(intentMetricsName)
	default:
		entry.Info(intentMetricsName)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
