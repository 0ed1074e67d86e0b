package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "opline"

// Metrics holds all opline metric instruments. It implements the resolver's
// MetricsRecorder interface.
type Metrics struct {
	TokensMinted    metric.Int64Counter
	Resolutions     metric.Int64Counter
	WorkflowSteps   metric.Int64Counter
	CheckpointWaits metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TokensMinted, err = meter.Int64Counter("opline.tokens.minted",
		metric.WithDescription("Number of continuation tokens minted"))
	if err != nil {
		return nil, err
	}

	m.Resolutions, err = meter.Int64Counter("opline.resolutions",
		metric.WithDescription("Number of token resolutions by outcome"))
	if err != nil {
		return nil, err
	}

	m.WorkflowSteps, err = meter.Int64Counter("opline.workflow.steps",
		metric.WithDescription("Number of workflow steps executed by kind"))
	if err != nil {
		return nil, err
	}

	m.CheckpointWaits, err = meter.Int64Counter("opline.workflow.checkpoint_waits",
		metric.WithDescription("Number of workflow suspensions at a checkpoint"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TokenMinted counts one minted token.
func (m *Metrics) TokenMinted(ctx context.Context) {
	m.TokensMinted.Add(ctx, 1)
}

// Resolution counts one token resolution with its outcome.
func (m *Metrics) Resolution(ctx context.Context, outcome string) {
	m.Resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// WorkflowStep counts one executed workflow step by step kind.
func (m *Metrics) WorkflowStep(ctx context.Context, kind string) {
	m.WorkflowSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// CheckpointWait counts one suspension at a checkpoint.
func (m *Metrics) CheckpointWait(ctx context.Context) {
	m.CheckpointWaits.Add(ctx, 1)
}
