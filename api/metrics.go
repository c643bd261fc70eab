package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	mutationSpanName    = "board.mutation"
	mutationEventName   = "board.mutation.completed"
	mutationEventDomain = "taskboard"
)

// mutationMetrics collects timings and outcome facts for a single mutation
// request and emits them as one structured log entry plus one trace span.
type mutationMetrics struct {
	logger       *log.Logger
	span         trace.Span
	route        string
	start        time.Time
	authDuration time.Duration
	txDuration   time.Duration
	projectID    string
	eventType    string
	errorStage   string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, route string) (*mutationMetrics, context.Context) {
	m := &mutationMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
	spanCtx, span := otel.Tracer("taskboard-api/api").Start(ctx, mutationSpanName)
	m.span = span
	return m, spanCtx
}

func (m *mutationMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *mutationMetrics) ObserveTx(d time.Duration) {
	if d > 0 {
		m.txDuration = d
	}
}

func (m *mutationMetrics) SetProjectID(id string) {
	m.projectID = id
}

func (m *mutationMetrics) SetEventType(typ string) {
	m.eventType = typ
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finalizes the request: one observability.event log entry, matching span
// event, span status, span end.
func (m *mutationMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("board.mutation.total_ms", totalMs),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.mutation.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.txDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.mutation.tx_ms", durationToMillis(m.txDuration)))
	}
	if m.projectID != "" {
		attrs = append(attrs, attribute.String("board.mutation.project_id", m.projectID))
	}
	if m.eventType != "" {
		attrs = append(attrs, attribute.String("board.mutation.event_type", m.eventType))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.mutation.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", mutationEventName),
			attribute.String("event.domain", mutationEventDomain),
			attribute.String("severity_text", severityText),
		}, attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		m.span.SetAttributes(attrs...)
		if err != nil || status >= http.StatusInternalServerError {
			m.span.RecordError(err)
			desc := "mutation failed"
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      mutationEventName,
		"event.domain":    mutationEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
