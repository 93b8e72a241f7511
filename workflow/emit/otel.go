package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Type (e.g., "node:started", "workflow:completed")
//   - Attributes: instance id, node id, and all payload fields
//   - Status: error when the payload carries an "error" key
//
// Events are points in time, so spans are ended immediately; the batch
// span processor handles export.
//
// Usage:
//
//	tracer := otel.Tracer("stratix")
//	emitter := emit.NewOTelEmitter(tracer)
//	bus.Subscribe(emit.EventNodeFailed, emitter.Emit)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()

	span.SetAttributes(
		attribute.Int64("stratix.workflow_instance_id", event.WorkflowInstanceID),
		attribute.Int64("stratix.node_instance_id", event.NodeInstanceID),
		attribute.String("stratix.node_id", event.NodeID),
	)
	o.addPayloadAttributes(span, event.Payload)

	if errMsg, ok := event.Payload["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans. Call before shutdown; a noop
// provider makes this a no-op.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addPayloadAttributes(span trace.Span, payload map[string]any) {
	for key, value := range payload {
		attrKey := "stratix." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

var _ Emitter = (*OTelEmitter)(nil)
