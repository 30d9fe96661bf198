package telemetry

import (
	"context"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// Observer implements engine.Observer on top of Metrics and Tracer.
type Observer struct {
	metrics *Metrics
	tracer  *Tracer
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Either argument may be nil.
func NewObserver(m *Metrics, t *Tracer) *Observer {
	return &Observer{metrics: m, tracer: t}
}

// StageStarted opens a stage span and times the stage.
func (o *Observer) StageStarted(ctx context.Context, runID string, stage engine.Stage) (context.Context, func(string, error)) {
	timer := NewTimer()
	if o.tracer == nil {
		return ctx, func(outcome string, _ error) {
			o.recordStage(stage.Kind, outcome, timer.Duration())
		}
	}

	ctx, span := o.tracer.StartStageSpan(ctx, runID, stage)
	return ctx, func(outcome string, err error) {
		span.SetAttributes(AttrOutcome.String(outcome))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
		o.recordStage(stage.Kind, outcome, timer.Duration())
	}
}

func (o *Observer) recordStage(kind engine.Kind, outcome string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordStage(kind, outcome, d)
	}
}

// Compensated records a compensating delete.
func (o *Observer) Compensated(kind engine.Kind, err error) {
	if o.metrics != nil {
		o.metrics.RecordCompensation(kind, err)
	}
}

// AmbiguousMatch records an existence lookup with several matches.
func (o *Observer) AmbiguousMatch(kind engine.Kind) {
	if o.metrics != nil {
		o.metrics.RecordAmbiguousMatch(kind)
	}
}

// RunFinished records the run outcome.
func (o *Observer) RunFinished(mode string, status engine.RunStatus, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordRunFinished(mode, status, duration)
	}
}
