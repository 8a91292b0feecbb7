package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrHeight    = attribute.Key("block.height")
	AttrBlockType = attribute.Key("block.type")
	AttrContract  = attribute.Key("contract.address")
	AttrPhase     = attribute.Key("deploy.phase")
	AttrAttempts  = attribute.Key("deploy.attempts")
)

// End finishes span and records err on it when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
