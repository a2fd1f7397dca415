// Package telemetry provides OpenTelemetry initialisation and attribute conventions for the capture service.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by capture metrics, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSession identifies the vendor session a signal refers to.
	AttrSession = attribute.Key("session")
	// AttrConnection identifies the configured upstream connection.
	AttrConnection = attribute.Key("connection")
	// AttrExchange labels per-exchange counters.
	AttrExchange = attribute.Key("exchange")
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrSink labels tick store signals by backend kind.
	AttrSink = attribute.Key("sink")
	// AttrReason provides additional free-form context for drops and failures.
	AttrReason = attribute.Key("reason")
	// AttrTrigger records what started a reload cycle (watch, http, startup).
	AttrTrigger = attribute.Key("trigger")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SessionAttributes returns attributes for per-session metrics.
func SessionAttributes(environment, session string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSession.String(session),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// SinkAttributes returns attributes for tick store metrics.
func SinkAttributes(environment, sink, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSink.String(sink),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, session, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSession.String(session),
		AttrConnectionState.String(state),
	}
}
