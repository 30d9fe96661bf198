package telemetry

import (
	"context"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// instrumentedProvider records latency, errors and a span for every call of
// the wrapped provider.
type instrumentedProvider struct {
	next    engine.ResourceProvider
	metrics *Metrics
	tracer  *Tracer
}

// InstrumentProvider wraps p so every call is timed and traced.
func InstrumentProvider(p engine.ResourceProvider, m *Metrics, t *Tracer) engine.ResourceProvider {
	return &instrumentedProvider{next: p, metrics: m, tracer: t}
}

func (p *instrumentedProvider) observe(ctx context.Context, op string, kind engine.Kind, fn func(ctx context.Context) error) error {
	timer := NewTimer()
	if p.tracer != nil {
		ctx, span := p.tracer.StartProviderSpan(ctx, p.next.Name(), op, kind)
		defer span.End()
		err := fn(ctx)
		if err != nil && !engine.IsNotFound(err) {
			RecordError(span, err)
		}
		p.record(op, timer, err)
		return err
	}
	err := fn(ctx)
	p.record(op, timer, err)
	return err
}

func (p *instrumentedProvider) record(op string, timer *Timer, err error) {
	if p.metrics != nil {
		p.metrics.RecordProviderCall(p.next.Name(), op, timer.Duration(), err)
	}
}

func (p *instrumentedProvider) Name() string { return p.next.Name() }

func (p *instrumentedProvider) Kinds() []engine.Kind { return p.next.Kinds() }

func (p *instrumentedProvider) Create(ctx context.Context, in engine.StageInput) (string, error) {
	var id string
	err := p.observe(ctx, "create", in.Kind, func(ctx context.Context) error {
		var err error
		id, err = p.next.Create(ctx, in)
		return err
	})
	return id, err
}

func (p *instrumentedProvider) List(ctx context.Context, q engine.Query) ([]string, error) {
	var ids []string
	err := p.observe(ctx, "list", q.Kind, func(ctx context.Context) error {
		var err error
		ids, err = p.next.List(ctx, q)
		return err
	})
	return ids, err
}

func (p *instrumentedProvider) Describe(ctx context.Context, kind engine.Kind, id string) (engine.Attributes, error) {
	var attrs engine.Attributes
	err := p.observe(ctx, "describe", kind, func(ctx context.Context) error {
		var err error
		attrs, err = p.next.Describe(ctx, kind, id)
		return err
	})
	return attrs, err
}

func (p *instrumentedProvider) Tag(ctx context.Context, kind engine.Kind, id string, tags engine.Tags) error {
	return p.observe(ctx, "tag", kind, func(ctx context.Context) error {
		return p.next.Tag(ctx, kind, id, tags)
	})
}

func (p *instrumentedProvider) Wait(ctx context.Context, kind engine.Kind, id string, cond engine.Condition, opts engine.WaitOptions) error {
	return p.observe(ctx, "wait", kind, func(ctx context.Context) error {
		return p.next.Wait(ctx, kind, id, cond, opts)
	})
}

func (p *instrumentedProvider) Delete(ctx context.Context, kind engine.Kind, id string) error {
	return p.observe(ctx, "delete", kind, func(ctx context.Context) error {
		return p.next.Delete(ctx, kind, id)
	})
}
