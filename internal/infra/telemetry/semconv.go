// Package telemetry provides OpenTelemetry wiring and semantic conventions for the gateway.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys follow OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrEventType annotates counters with the published event type (Trade, BookDelta, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrProvider identifies the venue adapter that produced the signal.
	AttrProvider = attribute.Key("provider")
	// AttrInstrument captures the internal instrument identifier.
	AttrInstrument = attribute.Key("instrument")
	// AttrTopicKind labels the classified websocket topic kind.
	AttrTopicKind = attribute.Key("topic.kind")
	// AttrEndpoint labels REST endpoint paths.
	AttrEndpoint = attribute.Key("endpoint")
	// AttrOperation differentiates adapter operations (book_sync, refresh_instruments, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides free-form context for drops and rejections.
	AttrReason = attribute.Key("reason")
	// AttrCommandType indicates which control frame (SUBSCRIBE/UNSUBSCRIBE/PING) was sent.
	AttrCommandType = attribute.Key("command.type")
	// AttrJob names a periodic scheduler job.
	AttrJob = attribute.Key("job")
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, provider, instrument string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrProvider.String(provider),
	}
	if instrument != "" {
		attrs = append(attrs, AttrInstrument.String(instrument))
	}
	return attrs
}

// FrameAttributes returns attributes for inbound websocket frame metrics.
func FrameAttributes(environment, provider, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrTopicKind.String(kind),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// EndpointAttributes returns attributes for REST call metrics.
func EndpointAttributes(environment, provider, endpoint, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrEndpoint.String(endpoint),
		AttrResult.String(result),
	}
}

// JobAttributes returns attributes for scheduler job metrics.
func JobAttributes(environment, job, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrJob.String(job),
		AttrResult.String(result),
	}
}
