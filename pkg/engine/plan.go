package engine

import (
	"fmt"
)

// Plan is a validated, immutable provisioning plan.
type Plan struct {
	stages map[string]Stage
	order  []string
	dag    *DAGBuilder
}

// PlanBuilder accumulates stages in declaration order.
type PlanBuilder struct {
	stages []Stage
}

// NewPlanBuilder creates an empty plan builder.
func NewPlanBuilder() *PlanBuilder {
	return &PlanBuilder{}
}

// AddStage appends a stage. Declaration order breaks ties in the execution order.
func (b *PlanBuilder) AddStage(s Stage) *PlanBuilder {
	s.DependsOn = append([]string(nil), s.DependsOn...)
	s.Tags = s.Tags.Clone()
	b.stages = append(b.stages, s)
	return b
}

// Build validates the stages and returns the plan. Unknown dependencies,
// cycles and stages without the mandatory functions yield a PLAN_INVALID error.
func (b *PlanBuilder) Build() (*Plan, error) {
	for _, s := range b.stages {
		if s.Create == nil || s.Exists == nil || s.Delete == nil {
			return nil, NewPlanError(
				fmt.Sprintf("stage %s must define exists, create and delete", s.Name), nil,
			).WithResource(s.Name)
		}
	}

	dag := NewDAGBuilder()
	order, err := dag.Build(b.stages)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		stages: make(map[string]Stage, len(b.stages)),
		order:  order,
		dag:    dag,
	}
	for _, s := range b.stages {
		p.stages[s.Name] = s
	}
	return p, nil
}

// Order returns stage names in execution order.
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Stage returns the named stage.
func (p *Plan) Stage(name string) (Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

// Stages returns stages in execution order.
func (p *Plan) Stages() []Stage {
	out := make([]Stage, 0, len(p.order))
	for _, n := range p.order {
		out = append(out, p.stages[n])
	}
	return out
}

// Len returns the number of stages.
func (p *Plan) Len() int {
	return len(p.order)
}

// Levels returns stages grouped by dependency depth.
func (p *Plan) Levels() [][]string {
	return p.dag.GetLevels()
}

// ToDOT renders the plan as a Graphviz graph.
func (p *Plan) ToDOT() string {
	return p.dag.ToDOT()
}
