package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("prism-board/api")

type taskRequestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	authDuration  time.Duration
	fetchDuration time.Duration
	tasksReturned int
	errorStage    string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger) (*taskRequestMetrics, context.Context) {
	ctx, span := tracer.Start(ctx, "api.tasks.list", trace.WithSpanKind(trace.SpanKindServer))
	return &taskRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, ctx
}

func (m *taskRequestMetrics) ObserveAuth(d time.Duration)  { m.authDuration = d }
func (m *taskRequestMetrics) ObserveFetch(d time.Duration) { m.fetchDuration = d }

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	m.tasksReturned = count
}

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and writes one structured entry for the request.
func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	m.span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int("tasks.returned", m.tasksReturned),
	)
	if m.errorStage != "" {
		m.span.SetAttributes(attribute.String("error.stage", m.errorStage))
	}
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else if status >= 400 {
		m.span.SetStatus(codes.Error, m.errorStage)
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":          "/api/tasks",
		"status":         status,
		"total_ms":       durationToMillis(total),
		"auth_ms":        durationToMillis(m.authDuration),
		"tasks_returned": m.tasksReturned,
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("tasks.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
