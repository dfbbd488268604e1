// Package otelx wires OpenTelemetry metrics and tracing for the
// orchestration fabric.
package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the fabric emits.
type Metrics struct {
	GatewayRequestDuration metric.Float64Histogram
	TaskDuration           metric.Float64Histogram
	ModelCallDuration      metric.Float64Histogram
	TokensUsed             metric.Int64Counter
	SkillCallDuration      metric.Float64Histogram
	SkillCallErrors        metric.Int64Counter
	ActiveOrchestrations   metric.Int64UpDownCounter
	OrchestratorIterations metric.Int64Counter
	StreamTokensEmitted    metric.Int64Counter
	RateLimitRejects       metric.Int64Counter
	ConfirmationTimeouts   metric.Int64Counter
	AuditDenies            metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter, returning the
// first construction error encountered.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.GatewayRequestDuration, err = meter.Float64Histogram("fabric.gateway.request.duration",
		metric.WithDescription("MCP gateway request duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("fabric.task.duration",
		metric.WithDescription("Task lifetime from claim to terminal state, in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ModelCallDuration, err = meter.Float64Histogram("fabric.model.call.duration",
		metric.WithDescription("Model gateway call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("fabric.model.tokens",
		metric.WithDescription("Total tokens consumed across all tasks")); err != nil {
		return nil, err
	}
	if m.SkillCallDuration, err = meter.Float64Histogram("fabric.skill.call.duration",
		metric.WithDescription("Skill invocation duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SkillCallErrors, err = meter.Int64Counter("fabric.skill.call.errors",
		metric.WithDescription("Skill invocation error count")); err != nil {
		return nil, err
	}
	if m.ActiveOrchestrations, err = meter.Int64UpDownCounter("fabric.orchestrator.active",
		metric.WithDescription("Number of currently running orchestration loops")); err != nil {
		return nil, err
	}
	if m.OrchestratorIterations, err = meter.Int64Counter("fabric.orchestrator.iterations",
		metric.WithDescription("Total orchestration loop iterations executed")); err != nil {
		return nil, err
	}
	if m.StreamTokensEmitted, err = meter.Int64Counter("fabric.stream.tokens",
		metric.WithDescription("Total streaming tokens published to the bus")); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("fabric.ratelimit.rejects",
		metric.WithDescription("Requests rejected by a rate limiter")); err != nil {
		return nil, err
	}
	if m.ConfirmationTimeouts, err = meter.Int64Counter("fabric.confirmation.timeouts",
		metric.WithDescription("Confirmation requests that expired unanswered")); err != nil {
		return nil, err
	}
	if m.AuditDenies, err = meter.Int64Counter("fabric.audit.denies",
		metric.WithDescription("Capability checks that resulted in a deny decision")); err != nil {
		return nil, err
	}

	return m, nil
}
